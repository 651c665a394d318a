package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// recognizerStub upgrades the connection, then for every binary audio frame
// received replies with one transcript event.
func recognizerStub(t *testing.T, events []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/listen", r.URL.Path)
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Token "))
		require.Equal(t, "mulaw", r.URL.Query().Get("encoding"))
		require.Equal(t, "8000", r.URL.Query().Get("sample_rate"))

		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		i := 0
		for {
			msgType, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			if i < len(events) {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(events[i])); err != nil {
					return
				}
				i++
			}
		}
	}))
}

func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		APIKey:     "test-key",
		BaseURL:    wsBase(srv),
		Encoding:   "mulaw",
		SampleRate: 8000,
	})
}

func TestClientReceivesTranscripts(t *testing.T) {
	srv := recognizerStub(t, []string{
		`{"type":"Results","is_final":false,"speech_final":false,"channel":{"alternatives":[{"transcript":"hel","confidence":0.5}]}}`,
		`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.98}]}}`,
	})
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.Start(context.Background()))
	defer c.Finish()

	require.NoError(t, c.Send(make([]byte, 160)))
	require.NoError(t, c.Send(make([]byte, 160)))

	var got []Transcript
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case tr := <-c.Transcripts():
			got = append(got, tr)
		case <-timeout:
			t.Fatalf("timed out after %d transcripts", len(got))
		}
	}

	assert.Equal(t, "hel", got[0].Text)
	assert.False(t, got[0].SpeechFinal)
	assert.Equal(t, "hello there", got[1].Text)
	assert.True(t, got[1].IsFinal)
	assert.True(t, got[1].SpeechFinal)
}

func TestClientDropsEmptyInterimResults(t *testing.T) {
	srv := recognizerStub(t, []string{
		`{"type":"Results","is_final":false,"speech_final":false,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
		`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"done","confidence":0.9}]}}`,
	})
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.Start(context.Background()))
	defer c.Finish()

	require.NoError(t, c.Send(make([]byte, 160)))
	require.NoError(t, c.Send(make([]byte, 160)))

	select {
	case tr := <-c.Transcripts():
		// The empty interim event must be filtered; the first delivery is the
		// final transcript.
		assert.Equal(t, "done", tr.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript delivered")
	}
}

func TestClientSendBeforeStart(t *testing.T) {
	c := NewClient(Config{APIKey: "k", Encoding: "mulaw", SampleRate: 8000})
	err := c.Send([]byte{0xFF})
	require.Error(t, err)
}

func TestClientDoubleStart(t *testing.T) {
	srv := recognizerStub(t, nil)
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.Start(context.Background()))
	defer c.Finish()

	assert.Error(t, c.Start(context.Background()))
}

func TestClientFinishIdempotent(t *testing.T) {
	srv := recognizerStub(t, nil)
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.Start(context.Background()))

	require.NoError(t, c.Finish())
	require.NoError(t, c.Finish())
	assert.Equal(t, StateClosed, c.State())

	assert.Error(t, c.Send([]byte{0xFF}))
}

func TestClientKeepaliveFailureForcesClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	c := NewClient(Config{
		APIKey:            "test-key",
		BaseURL:           wsBase(srv),
		Encoding:          "mulaw",
		SampleRate:        8000,
		KeepAliveInterval: 10 * time.Millisecond,
	})
	require.NoError(t, c.Start(context.Background()))

	select {
	case err := <-c.Errs():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a connection error")
	}

	// Consecutive keepalive misses on the dead socket must force-close the
	// connection, not just log.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.State() != StateClosed {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestClientRemoteDropEmitsOneError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Abrupt close without a close frame looks like a dropped connection.
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.Start(context.Background()))
	defer c.Finish()

	select {
	case err := <-c.Errs():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a connection error")
	}
}
