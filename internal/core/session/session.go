// Package session owns the lifecycle of one live audio connection: it feeds
// inbound audio to speech recognition, triggers reply generation on final
// transcripts, and paces synthesized audio back out at line rate.
package session

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callfleet/voice-dialer/internal/audio"
	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/internal/llm"
	"github.com/callfleet/voice-dialer/internal/stt"
	"github.com/callfleet/voice-dialer/internal/tts"
	"github.com/callfleet/voice-dialer/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TransportKind distinguishes the two audio sources a session can serve.
type TransportKind int

const (
	TransportTelephony TransportKind = iota
	TransportBrowser
)

// SessionState is the lifecycle of one session.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateIdentified
	StateStreaming
	StateClosed
)

const (
	// outboundChunkSize is 20ms of 8kHz mu-law.
	outboundChunkSize  = 160
	outboundChunkEvery = 20 * time.Millisecond

	idleCheckEvery = 250 * time.Millisecond
	idleThreshold  = 1000 * time.Millisecond

	idleSilenceLen     = 400 * time.Millisecond
	trailingSilenceLen = 200 * time.Millisecond

	// apologyText is spoken when generation or synthesis fails, so the
	// caller is never left in silence.
	apologyText = "I'm sorry, I ran into a problem just now. Could you say that again?"
)

// Transport sends frames back to the peer. Telephony uses JSON text frames;
// browser sessions receive raw binary audio.
type Transport interface {
	WriteText(data []byte) error
	WriteBinary(data []byte) error
	Close() error
}

// Transcriber is the live speech-recognition connection (see internal/stt).
type Transcriber interface {
	Start(ctx context.Context) error
	Send(chunk []byte) error
	Transcripts() <-chan stt.Transcript
	Errs() <-chan error
	Finish() error
}

// CalendarBooker is the external calendar collaborator. Invoked at most once
// per reply when a booking intent is detected.
type CalendarBooker interface {
	Book(ctx context.Context, agent *domain.Agent, intent *domain.BookingIntent) error
}

// UsageRecorder receives per-session accounting events. Persistence failures
// are the recorder's problem; the session never blocks a live call on them.
type UsageRecorder interface {
	RecordConversation(ctx context.Context, agentID string)
	RecordMinutes(ctx context.Context, agentID string, minutes int)
	RecordAppointment(ctx context.Context, agentID string)
}

// Options wires a session's collaborators.
type Options struct {
	Agent          *domain.Agent
	Kind           TransportKind
	Transport      Transport
	NewTranscriber func(kind TransportKind) Transcriber
	Generator      llm.Generator
	Synthesizer    tts.Synthesizer
	Booker         CalendarBooker
	Usage          UsageRecorder

	// ChunkEvery overrides the outbound pacing interval; tests shrink it.
	ChunkEvery time.Duration

	// IdleCheckEvery and IdleThreshold override the inbound quiet-spell
	// detection timing; tests shrink them.
	IdleCheckEvery time.Duration
	IdleThreshold  time.Duration
}

// Session is one live audio connection and its pipeline state. All transport
// events arrive on a single goroutine (the connection reader); replies run on
// their own goroutine guarded by the responding flag.
type Session struct {
	ID    string
	agent *domain.Agent
	kind  TransportKind
	opts  Options

	transport Transport

	// transcriber is replaced on a reconnect while audio keeps flowing, so
	// every access goes through the mutex.
	transcriberMu sync.Mutex
	transcriber   Transcriber

	state      atomic.Int32
	responding atomic.Bool
	streamSID  string
	chunkSeq   int

	lastAudioAt atomic.Int64 // unix nanos
	sttRetried  bool
	replied     atomic.Bool

	history   []llm.Message
	historyMu sync.Mutex

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session for an accepted connection. Call Close when the
// transport goes away.
func New(opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.ChunkEvery == 0 {
		opts.ChunkEvery = outboundChunkEvery
	}
	if opts.IdleCheckEvery == 0 {
		opts.IdleCheckEvery = idleCheckEvery
	}
	if opts.IdleThreshold == 0 {
		opts.IdleThreshold = idleThreshold
	}
	s := &Session{
		ID:        uuid.New().String(),
		agent:     opts.Agent,
		kind:      opts.Kind,
		opts:      opts,
		transport: opts.Transport,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.state.Store(int32(StateIdle))
	if opts.Agent != nil && opts.Agent.Instruction != "" {
		s.history = append(s.history, llm.Message{Role: "system", Content: opts.Agent.Instruction})
	}
	return s
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Responding reports whether a reply is currently in flight.
func (s *Session) Responding() bool {
	return s.responding.Load()
}

// HandleControl processes one decoded telephony control message.
func (s *Session) HandleControl(msg Message) {
	switch msg.Kind {
	case MessageConnected:
		// transport handshake only

	case MessageStart:
		s.streamSID = msg.StreamSID
		s.identify()

	case MessageMedia:
		s.handleAudio(msg.Audio)

	case MessageStop:
		s.Close()
	}
}

// HandleBrowserAudio processes one raw binary frame from a browser
// microphone. The first frame identifies the transport.
func (s *Session) HandleBrowserAudio(frame []byte) {
	if s.State() == StateIdle {
		s.identify()
	}
	s.handleAudio(frame)
}

// identify fixes codec parameters for the transport kind and opens the
// transcription connection.
func (s *Session) identify() {
	if s.State() != StateIdle {
		return
	}
	s.state.Store(int32(StateIdentified))

	t := s.opts.NewTranscriber(s.kind)
	if err := t.Start(s.ctx); err != nil {
		logger.Base().Error("failed to open transcription connection",
			zap.String("session_id", s.ID), zap.Error(err))
		s.Close()
		return
	}
	s.setTranscriber(t)

	s.lastAudioAt.Store(time.Now().UnixNano())
	go s.transcriptLoop(t)
	go s.idleLoop()
}

func (s *Session) currentTranscriber() Transcriber {
	s.transcriberMu.Lock()
	defer s.transcriberMu.Unlock()
	return s.transcriber
}

func (s *Session) setTranscriber(t Transcriber) {
	s.transcriberMu.Lock()
	s.transcriber = t
	s.transcriberMu.Unlock()
}

func (s *Session) handleAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	st := s.State()
	if st != StateIdentified && st != StateStreaming {
		return
	}
	s.state.Store(int32(StateStreaming))
	s.lastAudioAt.Store(time.Now().UnixNano())

	t := s.currentTranscriber()
	if t == nil {
		return
	}
	if err := t.Send(chunk); err != nil {
		// Bad audio or a dropped recognizer connection; drop the frame and
		// let the error channel drive the reconnect.
		logger.Base().Debug("dropped inbound audio frame",
			zap.String("session_id", s.ID), zap.Error(err))
	}
}

// idleLoop injects silence when inbound audio pauses, forcing the recognizer
// to emit an end-of-utterance boundary. Telephony audio has no natural end
// marker, so this is how turn-taking works at all.
func (s *Session) idleLoop() {
	ticker := time.NewTicker(s.opts.IdleCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateStreaming {
				continue
			}
			last := time.Unix(0, s.lastAudioAt.Load())
			if time.Since(last) < s.opts.IdleThreshold {
				continue
			}
			t := s.currentTranscriber()
			if t == nil {
				continue
			}
			if err := t.Send(s.silence(idleSilenceLen)); err == nil {
				s.lastAudioAt.Store(time.Now().UnixNano())
			}
		}
	}
}

// silence returns a buffer of silent samples in the transport's inbound
// codec: mu-law 8kHz for telephony, linear16 16kHz for browser microphones.
func (s *Session) silence(d time.Duration) []byte {
	if s.kind == TransportBrowser {
		return audio.LinearSilenceBuffer(d, audio.BrowserSampleRate)
	}
	return audio.SilenceBuffer(d, audio.TelephonySampleRate)
}

// transcriptLoop consumes recognition events until the connection ends.
// Remote errors get one reconnect; a second failure is fatal for the session.
func (s *Session) transcriptLoop(t Transcriber) {
	for {
		select {
		case <-s.ctx.Done():
			return

		case err, ok := <-t.Errs():
			if !ok {
				continue
			}
			if s.sttRetried {
				logger.Base().Error("transcription connection lost after retry, closing session",
					zap.String("session_id", s.ID), zap.Error(err))
				s.Close()
				return
			}
			s.sttRetried = true
			logger.Base().Warn("transcription connection error, reconnecting once",
				zap.String("session_id", s.ID), zap.Error(err))
			_ = t.Finish()
			fresh := s.opts.NewTranscriber(s.kind)
			if err := fresh.Start(s.ctx); err != nil {
				logger.Base().Error("transcription reconnect failed, closing session",
					zap.String("session_id", s.ID), zap.Error(err))
				s.Close()
				return
			}
			s.setTranscriber(fresh)
			go s.transcriptLoop(fresh)
			return

		case tr, ok := <-t.Transcripts():
			if !ok {
				return
			}
			if !tr.IsFinal || !tr.SpeechFinal || tr.Text == "" {
				// Interim results are advisory only.
				continue
			}
			if !s.responding.CompareAndSwap(false, true) {
				// A reply is already in flight; the transcript still lands
				// in history but must not trigger a second generation.
				s.appendHistory("user", tr.Text)
				continue
			}
			s.appendHistory("user", tr.Text)
			go s.respond(tr.Text)
		}
	}
}

func (s *Session) appendHistory(role, content string) {
	s.historyMu.Lock()
	s.history = append(s.history, llm.Message{Role: role, Content: content})
	s.historyMu.Unlock()
}

func (s *Session) snapshotHistory() []llm.Message {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// respond runs one reply turn: stream tokens, flush sentence fragments to
// synthesis, pace the audio out. Clears the responding flag on every path.
func (s *Session) respond(userText string) {
	defer s.responding.Store(false)

	s.replied.Store(true)
	tokens, errs := s.opts.Generator.Stream(s.ctx, s.snapshotHistory())

	var (
		buf     llm.SentenceBuffer
		scanner llm.IntentScanner
		full    []byte
		failed  bool
	)

	flush := func(fragment string) {
		if fragment == "" || failed {
			return
		}
		full = append(full, fragment...)
		if intent := scanner.Scan(fragment); intent != nil {
			s.handleBooking(intent)
		}
		if err := s.speak(fragment); err != nil {
			logger.Base().Warn("synthesis failed mid-reply",
				zap.String("session_id", s.ID), zap.Error(err))
			failed = true
		}
	}

	for token := range tokens {
		flush(buf.Push(token))
		if s.ctx.Err() != nil {
			return
		}
	}
	flush(buf.Flush())

	if err, ok := <-errs; ok && err != nil {
		logger.Base().Warn("reply generation failed",
			zap.String("session_id", s.ID), zap.Error(err))
		failed = true
	}

	if failed && s.ctx.Err() == nil {
		// Never leave the caller in silence.
		if err := s.speak(apologyText); err != nil {
			logger.Base().Error("apology synthesis failed",
				zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	if len(full) > 0 {
		s.appendHistory("assistant", string(full))
	}
}

// speak synthesizes one fragment and streams it out in fixed-size chunks at
// real-time pace so playback never outruns the transport buffer.
func (s *Session) speak(text string) error {
	voice := ""
	if s.agent != nil {
		voice = s.agent.VoiceID
	}
	clip, err := s.opts.Synthesizer.Synthesize(s.ctx, text, voice)
	if err != nil {
		return err
	}
	if len(clip) == 0 {
		return nil
	}
	if s.kind == TransportTelephony {
		clip = audio.NormalizeMuLaw(clip)
	}
	return s.sendAudio(clip)
}

func (s *Session) sendAudio(clip []byte) error {
	pacer := rate.NewLimiter(rate.Every(s.opts.ChunkEvery), 1)

	for off := 0; off < len(clip); off += outboundChunkSize {
		if err := pacer.Wait(s.ctx); err != nil {
			return err
		}
		end := off + outboundChunkSize
		if end > len(clip) {
			end = len(clip)
		}
		chunk := clip[off:end]

		switch s.kind {
		case TransportTelephony:
			s.chunkSeq++
			frame, err := EncodeOutboundMedia(s.streamSID, s.chunkSeq,
				time.Since(s.startedAt).Milliseconds(), chunk)
			if err != nil {
				return err
			}
			if err := s.transport.WriteText(frame); err != nil {
				return err
			}
		case TransportBrowser:
			if err := s.transport.WriteBinary(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) handleBooking(intent *domain.BookingIntent) {
	if s.opts.Booker == nil {
		return
	}
	if err := s.opts.Booker.Book(s.ctx, s.agent, intent); err != nil {
		logger.Base().Warn("calendar booking failed",
			zap.String("session_id", s.ID), zap.Error(err))
		return
	}
	if s.opts.Usage != nil && s.agent != nil {
		s.opts.Usage.RecordAppointment(s.ctx, s.agent.ID)
	}
}

// Close tears the session down: trailing silence to flush the recognizer,
// timers cancelled, usage recorded. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))

		if t := s.currentTranscriber(); t != nil {
			// A short trailing silence flushes any buffered utterance.
			_ = t.Send(s.silence(trailingSilenceLen))
			_ = t.Finish()
		}
		s.cancel()

		if s.opts.Usage != nil && s.agent != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			minutes := int((time.Since(s.startedAt) + time.Minute - 1) / time.Minute)
			s.opts.Usage.RecordMinutes(ctx, s.agent.ID, minutes)
			if s.replied.Load() {
				s.opts.Usage.RecordConversation(ctx, s.agent.ID)
			}
		}

		logger.Base().Info("session closed",
			zap.String("session_id", s.ID),
			zap.String("duration", strconv.FormatInt(int64(time.Since(s.startedAt)/time.Second), 10)+"s"))
		close(s.done)
	})
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
