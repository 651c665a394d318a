package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/callfleet/voice-dialer/internal/domain"
)

// maxBufferedRunes bounds how much text accumulates before a forced flush,
// so a reply with no punctuation still reaches synthesis promptly.
const maxBufferedRunes = 120

// SentenceBuffer accumulates streamed tokens and yields fragments on
// sentence boundaries or after a bounded length. The session synthesizes
// each flushed fragment immediately, in generation order.
type SentenceBuffer struct {
	b strings.Builder
}

// Push appends a token and returns a fragment ready for synthesis, or ""
// when more tokens are needed.
func (s *SentenceBuffer) Push(token string) string {
	s.b.WriteString(token)
	text := s.b.String()

	if endsSentence(text) || len([]rune(text)) >= maxBufferedRunes {
		s.b.Reset()
		return strings.TrimSpace(text)
	}
	return ""
}

// Flush drains whatever remains, for the end of a reply.
func (s *SentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.b.String())
	s.b.Reset()
	return text
}

func endsSentence(text string) bool {
	trimmed := strings.TrimRight(text, " \n")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

var bookingPattern = regexp.MustCompile(`\{[^{}]*"action"\s*:\s*"book_calendar"[^{}]*\}`)

// IntentScanner watches accumulated reply text for the structured booking
// payload the model may embed in its output. It fires at most once per
// reply, guarding against the same fragment appearing in multiple flushes.
type IntentScanner struct {
	seen  strings.Builder
	fired bool
}

// Scan appends reply text and returns a booking intent the first time one
// appears, nil otherwise.
func (s *IntentScanner) Scan(text string) *domain.BookingIntent {
	if s.fired {
		return nil
	}
	s.seen.WriteString(text)

	match := bookingPattern.FindString(s.seen.String())
	if match == "" {
		return nil
	}

	var intent domain.BookingIntent
	if err := json.Unmarshal([]byte(match), &intent); err != nil {
		return nil
	}
	if intent.Action != "book_calendar" {
		return nil
	}
	s.fired = true
	return &intent
}
