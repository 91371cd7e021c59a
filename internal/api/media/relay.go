// Package media relays carrier media streams into bridged voice sessions.
//
// The carrier opens one websocket per call (see the TwiML returned by the
// webhook handler) and exchanges JSON frames carrying base64 encoded 8kHz
// mu-law audio. Frames are forwarded as-is, so the voice agent must be
// configured for ulaw_8000 input and output.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/voice"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

// SessionSource resolves the voice session of a running attempt.
type SessionSource interface {
	AudioSession(ctx context.Context, attemptID uuid.UUID) (voice.AudioSession, error)
}

// Options tunes the relay.
type Options struct {
	// SessionWait bounds how long a stream waits for the agent to attach.
	SessionWait time.Duration
	Logger      *zap.Logger
}

// Relay is an http.Handler serving /media/{attempt_id}.
type Relay struct {
	sessions SessionSource
	upgrader websocket.Upgrader
	wait     time.Duration
	logger   *zap.Logger
	mux      *http.ServeMux
}

// NewRelay builds the relay.
func NewRelay(sessions SessionSource, opts Options) *Relay {
	if opts.SessionWait <= 0 {
		opts.SessionWait = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		wait:   opts.SessionWait,
		logger: logger.Named("media"),
		mux:    http.NewServeMux(),
	}
	r.mux.HandleFunc("GET /media/{attempt_id}", r.serveStream)
	return r
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

type frame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

func (r *Relay) serveStream(w http.ResponseWriter, req *http.Request) {
	attemptID, err := uuid.Parse(req.PathValue("attempt_id"))
	if err != nil {
		http.Error(w, "invalid attempt id", http.StatusBadRequest)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("media upgrade failed", zap.String("attempt_id", attemptID.String()), zap.Error(err))
		return
	}
	defer conn.Close()

	logger := r.logger.With(zap.String("attempt_id", attemptID.String()))
	if err := r.relay(req.Context(), conn, attemptID, logger); err != nil {
		logger.Warn("media stream ended with error", zap.Error(err))
	}
}

func (r *Relay) relay(ctx context.Context, conn *websocket.Conn, attemptID uuid.UUID, logger *zap.Logger) error {
	streamSID, err := awaitStart(conn)
	if err != nil {
		return err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.wait)
	session, err := r.sessions.AudioSession(lookupCtx, attemptID)
	cancel()
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, "no session")
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrConflict) {
			logger.Info("media stream rejected", zap.Error(err))
			return nil
		}
		return err
	}
	logger.Info("media stream attached", zap.String("stream_sid", streamSID))

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case chunk, ok := <-session.Audio():
				if !ok {
					closeWith(conn, websocket.CloseNormalClosure, "agent ended")
					return
				}
				out := frame{Event: "media", StreamSID: streamSID, Media: &mediaPayload{Payload: base64.StdEncoding.EncodeToString(chunk)}}
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			case <-session.Done():
				closeWith(conn, websocket.CloseNormalClosure, "agent ended")
				return
			}
		}
	}()

	err = pump(conn, session)
	close(quit)
	_ = conn.Close()
	<-done
	return err
}

// awaitStart reads frames until the carrier announces the stream.
func awaitStart(conn *websocket.Conn) (string, error) {
	for {
		var in frame
		if err := conn.ReadJSON(&in); err != nil {
			return "", err
		}
		switch in.Event {
		case "start":
			if in.Start != nil && in.Start.StreamSID != "" {
				return in.Start.StreamSID, nil
			}
			return in.StreamSID, nil
		case "stop":
			return "", errors.New("media: stream stopped before start")
		}
	}
}

// pump forwards callee audio until the carrier stops the stream.
func pump(conn *websocket.Conn, session voice.AudioSession) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		var in frame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		switch in.Event {
		case "media":
			if in.Media == nil || (in.Media.Track != "" && in.Media.Track != "inbound") {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(in.Media.Payload)
			if err != nil {
				continue
			}
			if err := session.SendAudio(chunk); err != nil {
				select {
				case <-session.Done():
					return nil
				default:
					return err
				}
			}
		case "stop":
			return nil
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
