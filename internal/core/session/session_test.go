package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/callfleet/voice-dialer/internal/domain"
	"github.com/callfleet/voice-dialer/internal/llm"
	"github.com/callfleet/voice-dialer/internal/stt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	texts  [][]byte
	binary [][]byte
	closed bool
}

func (f *fakeTransport) WriteText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.texts = append(f.texts, cp)
	return nil
}

func (f *fakeTransport) WriteBinary(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.binary = append(f.binary, cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) textFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakeTranscriber struct {
	transcripts chan stt.Transcript
	errs        chan error

	mu      sync.Mutex
	sent    [][]byte
	started bool
	once    sync.Once
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{
		transcripts: make(chan stt.Transcript, 8),
		errs:        make(chan error, 1),
	}
}

func (f *fakeTranscriber) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTranscriber) Send(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTranscriber) Transcripts() <-chan stt.Transcript { return f.transcripts }
func (f *fakeTranscriber) Errs() <-chan error                 { return f.errs }

func (f *fakeTranscriber) Finish() error {
	f.once.Do(func() {
		close(f.transcripts)
	})
	return nil
}

type fakeGenerator struct {
	tokens [][]string // one slice per call
	err    error
	delay  time.Duration

	calls atomic.Int32
}

func (g *fakeGenerator) Stream(ctx context.Context, _ []llm.Message) (<-chan string, <-chan error) {
	call := int(g.calls.Add(1)) - 1
	tokens := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(tokens)
		defer close(errs)
		if g.delay > 0 {
			select {
			case <-time.After(g.delay):
			case <-ctx.Done():
				return
			}
		}
		if g.err != nil {
			errs <- g.err
			return
		}
		var toks []string
		if call < len(g.tokens) {
			toks = g.tokens[call]
		}
		for _, tok := range toks {
			select {
			case tokens <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return tokens, errs
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	clip  []byte
	err   error
}

func (s *fakeSynth) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.err != nil {
		return nil, s.err
	}
	return s.clip, nil
}

func (s *fakeSynth) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

type fakeBooker struct {
	mu      sync.Mutex
	intents []*domain.BookingIntent
}

func (b *fakeBooker) Book(_ context.Context, _ *domain.Agent, intent *domain.BookingIntent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.intents = append(b.intents, intent)
	return nil
}

type fakeUsage struct {
	mu            sync.Mutex
	conversations int
	minutes       int
	appointments  int
}

func (u *fakeUsage) RecordConversation(_ context.Context, _ string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.conversations++
}

func (u *fakeUsage) RecordMinutes(_ context.Context, _ string, minutes int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.minutes += minutes
}

func (u *fakeUsage) RecordAppointment(_ context.Context, _ string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.appointments++
}

type sessionFixture struct {
	sess        *Session
	transport   *fakeTransport
	transcriber *fakeTranscriber
	gen         *fakeGenerator
	synth       *fakeSynth
	booker      *fakeBooker
	usage       *fakeUsage
}

func newFixture(t *testing.T, gen *fakeGenerator, synth *fakeSynth) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		transport:   &fakeTransport{},
		transcriber: newFakeTranscriber(),
		gen:         gen,
		synth:       synth,
		booker:      &fakeBooker{},
		usage:       &fakeUsage{},
	}
	f.sess = New(Options{
		Agent: &domain.Agent{
			ID:          "agent-1",
			Instruction: "You are a scheduling assistant.",
			VoiceID:     "voice-1",
		},
		Kind:           TransportTelephony,
		Transport:      f.transport,
		NewTranscriber: func(TransportKind) Transcriber { return f.transcriber },
		Generator:      gen,
		Synthesizer:    synth,
		Booker:         f.booker,
		Usage:          f.usage,
		ChunkEvery:     time.Millisecond,
	})
	t.Cleanup(f.sess.Close)
	return f
}

func (f *sessionFixture) start(t *testing.T) {
	t.Helper()
	f.sess.HandleControl(Message{Kind: MessageConnected})
	f.sess.HandleControl(Message{Kind: MessageStart, StreamSID: "MZ1"})
	require.Equal(t, StateIdentified, f.sess.State())
}

func (f *sessionFixture) finalTranscript(text string) {
	f.transcriber.transcripts <- stt.Transcript{Text: text, IsFinal: true, SpeechFinal: true}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSessionRepliesWithPacedChunks(t *testing.T) {
	clip := make([]byte, 400) // 2.5 outbound chunks
	for i := range clip {
		clip[i] = byte(i%100 + 50)
	}
	gen := &fakeGenerator{tokens: [][]string{{"Hi", " there", "."}}}
	synth := &fakeSynth{clip: clip}
	f := newFixture(t, gen, synth)
	f.start(t)

	f.sess.HandleControl(Message{Kind: MessageMedia, Audio: make([]byte, 160)})
	f.finalTranscript("hello can you hear me")

	waitFor(t, func() bool { return len(f.transport.textFrames()) >= 3 }, "no outbound media frames")
	waitFor(t, func() bool { return !f.sess.Responding() }, "reply never finished")

	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, []string{"Hi there."}, synth.spoken())

	total := 0
	for i, frame := range f.transport.textFrames() {
		var decoded struct {
			Event     string `json:"event"`
			StreamSID string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		require.NoError(t, json.Unmarshal(frame, &decoded))
		assert.Equal(t, "media", decoded.Event)
		assert.Equal(t, "MZ1", decoded.StreamSID)

		audio, err := base64.StdEncoding.DecodeString(decoded.Media.Payload)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(audio), 160, "frame %d oversize", i)
		total += len(audio)
	}
	assert.Equal(t, len(clip), total)
}

func TestSessionSingleReplyInFlight(t *testing.T) {
	gen := &fakeGenerator{
		tokens: [][]string{{"One."}, {"Two."}},
		delay:  150 * time.Millisecond,
	}
	synth := &fakeSynth{clip: []byte{100, 120, 140}}
	f := newFixture(t, gen, synth)
	f.start(t)

	f.finalTranscript("first utterance")
	waitFor(t, func() bool { return f.sess.Responding() }, "first reply never started")

	// Arrives while the first reply is still generating; must not start a
	// second generation.
	f.finalTranscript("second utterance")

	waitFor(t, func() bool { return !f.sess.Responding() }, "reply never finished")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestSessionIgnoresInterimTranscripts(t *testing.T) {
	gen := &fakeGenerator{tokens: [][]string{{"Yes."}}}
	synth := &fakeSynth{clip: []byte{100}}
	f := newFixture(t, gen, synth)
	f.start(t)

	f.transcriber.transcripts <- stt.Transcript{Text: "hel", IsFinal: false, SpeechFinal: false}
	f.transcriber.transcripts <- stt.Transcript{Text: "hello", IsFinal: true, SpeechFinal: false}
	f.transcriber.transcripts <- stt.Transcript{Text: "", IsFinal: true, SpeechFinal: true}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestSessionApologizesWhenGenerationFails(t *testing.T) {
	gen := &fakeGenerator{err: context.DeadlineExceeded}
	synth := &fakeSynth{clip: []byte{100}}
	f := newFixture(t, gen, synth)
	f.start(t)

	f.finalTranscript("hello")

	waitFor(t, func() bool { return len(synth.spoken()) >= 1 }, "apology never synthesized")
	assert.Equal(t, []string{apologyText}, synth.spoken())
}

func TestSessionBookingIntentFiresOnce(t *testing.T) {
	payload := `{"action":"book_calendar","email":"a@b.com","time":"2026-09-01T15:00:00Z","details":"demo"}`
	gen := &fakeGenerator{tokens: [][]string{{"Booked. ", payload, " Anything else?"}}}
	synth := &fakeSynth{clip: []byte{100}}
	f := newFixture(t, gen, synth)
	f.start(t)

	f.finalTranscript("book me in")
	waitFor(t, func() bool {
		f.usage.mu.Lock()
		defer f.usage.mu.Unlock()
		return f.usage.appointments >= 1
	}, "booking never fired")
	waitFor(t, func() bool { return !f.sess.Responding() }, "reply never finished")

	f.booker.mu.Lock()
	defer f.booker.mu.Unlock()
	require.Len(t, f.booker.intents, 1)
	assert.Equal(t, "a@b.com", f.booker.intents[0].Email)

	f.usage.mu.Lock()
	defer f.usage.mu.Unlock()
	assert.Equal(t, 1, f.usage.appointments)
}

func TestSessionCloseRecordsUsage(t *testing.T) {
	gen := &fakeGenerator{tokens: [][]string{{"Hello."}}}
	synth := &fakeSynth{clip: []byte{100}}
	f := newFixture(t, gen, synth)
	f.start(t)

	f.finalTranscript("hi")
	waitFor(t, func() bool { return len(synth.spoken()) > 0 }, "reply never spoken")
	waitFor(t, func() bool { return !f.sess.Responding() }, "reply never finished")

	f.sess.HandleControl(Message{Kind: MessageStop})
	<-f.sess.Done()
	assert.Equal(t, StateClosed, f.sess.State())

	f.usage.mu.Lock()
	defer f.usage.mu.Unlock()
	assert.Equal(t, 1, f.usage.conversations)
	assert.GreaterOrEqual(t, f.usage.minutes, 1)

	// Second close is a no-op, counters unchanged.
	f.sess.Close()
	assert.Equal(t, 1, f.usage.conversations)
}

func TestSessionCloseWithoutReplySkipsConversation(t *testing.T) {
	gen := &fakeGenerator{}
	synth := &fakeSynth{clip: []byte{100}}
	f := newFixture(t, gen, synth)
	f.start(t)

	f.sess.Close()
	<-f.sess.Done()

	f.usage.mu.Lock()
	defer f.usage.mu.Unlock()
	assert.Equal(t, 0, f.usage.conversations)
	assert.GreaterOrEqual(t, f.usage.minutes, 1)
}

// newIdleFixture builds a session with aggressive quiet-spell detection so
// silence injection is observable in test time.
func newIdleFixture(t *testing.T, kind TransportKind) (*Session, *fakeTranscriber) {
	t.Helper()
	ft := newFakeTranscriber()
	sess := New(Options{
		Agent:          &domain.Agent{ID: "agent-1", VoiceID: "voice-1"},
		Kind:           kind,
		Transport:      &fakeTransport{},
		NewTranscriber: func(TransportKind) Transcriber { return ft },
		Generator:      &fakeGenerator{},
		Synthesizer:    &fakeSynth{clip: []byte{100}},
		ChunkEvery:     time.Millisecond,
		IdleCheckEvery: 5 * time.Millisecond,
		IdleThreshold:  20 * time.Millisecond,
	})
	t.Cleanup(sess.Close)
	return sess, ft
}

func (f *fakeTranscriber) sentChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestSessionInjectsSilenceWhenCallerGoesQuiet(t *testing.T) {
	sess, ft := newIdleFixture(t, TransportTelephony)
	sess.HandleControl(Message{Kind: MessageConnected})
	sess.HandleControl(Message{Kind: MessageStart, StreamSID: "MZ1"})
	sess.HandleControl(Message{Kind: MessageMedia, Audio: make([]byte, 160)})

	waitFor(t, func() bool { return len(ft.sentChunks()) >= 2 }, "silence never injected")

	silence := ft.sentChunks()[1]
	require.Len(t, silence, 3200) // 400ms of 8kHz mu-law
	for i, b := range silence {
		if b != 0xFF {
			t.Fatalf("silence byte %d = %#x, want 0xFF", i, b)
		}
	}
}

func TestSessionInjectsLinearSilenceForBrowser(t *testing.T) {
	sess, ft := newIdleFixture(t, TransportBrowser)
	sess.HandleBrowserAudio(make([]byte, 640))

	waitFor(t, func() bool { return len(ft.sentChunks()) >= 2 }, "silence never injected")

	silence := ft.sentChunks()[1]
	require.Len(t, silence, 12800) // 400ms of 16-bit 16kHz PCM
	for i, b := range silence {
		if b != 0 {
			t.Fatalf("silence byte %d = %#x, want 0", i, b)
		}
	}
}

func TestSessionReconnectsTranscriberUnderTraffic(t *testing.T) {
	var mu sync.Mutex
	var created []*fakeTranscriber
	factory := func(TransportKind) Transcriber {
		mu.Lock()
		defer mu.Unlock()
		ft := newFakeTranscriber()
		created = append(created, ft)
		return ft
	}
	nth := func(i int) *fakeTranscriber {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(created) {
			return nil
		}
		return created[i]
	}

	sess := New(Options{
		Agent:          &domain.Agent{ID: "agent-1", VoiceID: "voice-1"},
		Kind:           TransportTelephony,
		Transport:      &fakeTransport{},
		NewTranscriber: factory,
		Generator:      &fakeGenerator{},
		Synthesizer:    &fakeSynth{clip: []byte{100}},
		ChunkEvery:     time.Millisecond,
	})
	t.Cleanup(sess.Close)

	sess.HandleControl(Message{Kind: MessageConnected})
	sess.HandleControl(Message{Kind: MessageStart, StreamSID: "MZ1"})
	require.NotNil(t, nth(0))

	// Keep media flowing for the whole reconnect so frame delivery races the
	// transcriber swap.
	stop := make(chan struct{})
	var feeder sync.WaitGroup
	feeder.Add(1)
	go func() {
		defer feeder.Done()
		frame := make([]byte, 160)
		for {
			select {
			case <-stop:
				return
			default:
				sess.HandleControl(Message{Kind: MessageMedia, Audio: frame})
			}
		}
	}()

	nth(0).errs <- assert.AnError

	waitFor(t, func() bool {
		second := nth(1)
		if second == nil {
			return false
		}
		return len(second.sentChunks()) > 0
	}, "audio never reached the replacement transcriber")
	close(stop)
	feeder.Wait()

	assert.Equal(t, StateStreaming, sess.State())
	assert.Nil(t, nth(2), "only one reconnect expected")
}

func TestSessionClosesAfterSecondTranscriberFailure(t *testing.T) {
	var mu sync.Mutex
	var created []*fakeTranscriber
	factory := func(TransportKind) Transcriber {
		mu.Lock()
		defer mu.Unlock()
		ft := newFakeTranscriber()
		created = append(created, ft)
		return ft
	}

	sess := New(Options{
		Agent:          &domain.Agent{ID: "agent-1", VoiceID: "voice-1"},
		Kind:           TransportTelephony,
		Transport:      &fakeTransport{},
		NewTranscriber: factory,
		Generator:      &fakeGenerator{},
		Synthesizer:    &fakeSynth{clip: []byte{100}},
		ChunkEvery:     time.Millisecond,
	})
	t.Cleanup(sess.Close)

	sess.HandleControl(Message{Kind: MessageConnected})
	sess.HandleControl(Message{Kind: MessageStart, StreamSID: "MZ1"})

	mu.Lock()
	first := created[0]
	mu.Unlock()
	first.errs <- assert.AnError

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(created) == 2
	}, "no replacement transcriber created")

	mu.Lock()
	second := created[1]
	mu.Unlock()
	second.errs <- assert.AnError

	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not close after second transcription failure")
	}
	assert.Equal(t, StateClosed, sess.State())
}

func TestSessionAudioForwardedToTranscriber(t *testing.T) {
	gen := &fakeGenerator{}
	synth := &fakeSynth{clip: []byte{100}}
	f := newFixture(t, gen, synth)
	f.start(t)

	chunk := make([]byte, 160)
	f.sess.HandleControl(Message{Kind: MessageMedia, Audio: chunk})
	require.Equal(t, StateStreaming, f.sess.State())

	f.transcriber.mu.Lock()
	defer f.transcriber.mu.Unlock()
	require.NotEmpty(t, f.transcriber.sent)
	assert.Len(t, f.transcriber.sent[0], 160)
}
