package media

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/lead-call-orchestrator/internal/voice"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

type fakeSession struct {
	*voice.Stream
	audio chan []byte

	mu       sync.Mutex
	received [][]byte
}

func newFakeSession() *fakeSession {
	return &fakeSession{Stream: voice.NewStream(8), audio: make(chan []byte, 8)}
}

func (f *fakeSession) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, chunk)
	return nil
}

func (f *fakeSession) Audio() <-chan []byte { return f.audio }

func (f *fakeSession) Detach() error {
	f.Stream.Close(voice.Result{})
	return nil
}

func (f *fakeSession) receivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

type staticSessions struct {
	session voice.AudioSession
	err     error
}

func (s staticSessions) AudioSession(context.Context, uuid.UUID) (voice.AudioSession, error) {
	return s.session, s.err
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func startStream(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": "connected", "protocol": "Call"}))
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start":     map[string]any{"streamSid": "MZ1", "callSid": "CA1"},
	}))
}

func TestRelayForwardsAudioBothWays(t *testing.T) {
	session := newFakeSession()
	srv := httptest.NewServer(NewRelay(staticSessions{session: session}, Options{}))
	defer srv.Close()

	conn := dial(t, srv, "/media/"+uuid.NewString())
	startStream(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "media",
		"media": map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString([]byte("caller"))},
	}))
	require.Eventually(t, func() bool { return session.receivedCount() == 1 }, time.Second, 5*time.Millisecond)

	session.audio <- []byte("agent")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out frame
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "media", out.Event)
	assert.Equal(t, "MZ1", out.StreamSID)
	require.NotNil(t, out.Media)
	decoded, err := base64.StdEncoding.DecodeString(out.Media.Payload)
	require.NoError(t, err)
	assert.Equal(t, "agent", string(decoded))

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "stop"}))

	// the relay never ends the conversation itself
	select {
	case <-session.Done():
		t.Fatal("session must stay attached")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRelayClosesWhenAgentEnds(t *testing.T) {
	session := newFakeSession()
	srv := httptest.NewServer(NewRelay(staticSessions{session: session}, Options{}))
	defer srv.Close()

	conn := dial(t, srv, "/media/"+uuid.NewString())
	startStream(t, conn)
	require.Eventually(t, func() bool {
		// media frames only flow once the session is resolved
		return conn.WriteJSON(map[string]any{"event": "media", "media": map[string]any{"payload": "AA=="}}) == nil && session.receivedCount() > 0
	}, time.Second, 5*time.Millisecond)

	session.Close(voice.Result{Disposition: "completed"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestRelayRejectsUnknownAttempt(t *testing.T) {
	srv := httptest.NewServer(NewRelay(staticSessions{err: apperrors.ErrNotFound}, Options{SessionWait: 50 * time.Millisecond}))
	defer srv.Close()

	conn := dial(t, srv, "/media/"+uuid.NewString())
	startStream(t, conn)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestRelayRejectsMalformedAttemptID(t *testing.T) {
	srv := httptest.NewServer(NewRelay(staticSessions{}, Options{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media/not-a-uuid"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
