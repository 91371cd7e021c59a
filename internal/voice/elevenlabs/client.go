// Package elevenlabs bridges calls to an ElevenLabs conversational agent.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/voice"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"

	// DispositionTool is the client tool the agent calls to report how the
	// conversation went.
	DispositionTool = "record_disposition"
)

// Options configures the bridge.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Bridge implements voice.Bridge.
type Bridge struct {
	baseURL string
	http    *http.Client
	dialer  websocket.Dialer
	logger  *zap.Logger
}

// New creates a bridge. Credentials are taken from each AttachRequest.
func New(opts Options) *Bridge {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		baseURL: base,
		http:    httpClient,
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger,
	}
}

// Attach opens a conversation seeded with the opening script.
func (b *Bridge) Attach(ctx context.Context, req voice.AttachRequest) (voice.Session, error) {
	apiKey := req.Credentials.Get(domain.CredElevenLabsAPIKey)
	agentID := req.Credentials.Get(domain.CredElevenLabsAgentID)
	if apiKey == "" || agentID == "" {
		return nil, fmt.Errorf("elevenlabs: %w: api key and agent id are required", apperrors.ErrProviderAuth)
	}

	signedURL, err := b.signedURL(ctx, apiKey, agentID)
	if err != nil {
		return nil, err
	}

	conn, _, err := b.dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: connect: %v: %w", err, apperrors.ErrProviderTransient)
	}

	s := &Session{
		conn:   conn,
		stream: voice.NewStream(128),
		audio:  make(chan []byte, 128),
		logger: b.logger.With(zap.String("attempt_id", req.AttemptID.String()), zap.String("external_call_id", req.ExternalCallID)),
	}
	if err := s.write(initMessage(req)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("elevenlabs: send init: %v: %w", err, apperrors.ErrProviderTransient)
	}
	go s.readLoop()
	return s, nil
}

func (b *Bridge) signedURL(ctx context.Context, apiKey, agentID string) (string, error) {
	endpoint := fmt.Sprintf("%s/convai/conversation/get_signed_url?agent_id=%s", b.baseURL, url.QueryEscape(agentID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", apiKey)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("elevenlabs: signed url: %v: %w", err, apperrors.ErrProviderTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("elevenlabs: read response: %v: %w", err, apperrors.ErrProviderTransient)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("elevenlabs: signed url rejected (%d): %w", resp.StatusCode, apperrors.ErrProviderAuth)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("elevenlabs: signed url status %d: %w", resp.StatusCode, apperrors.ErrProviderTransient)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("elevenlabs: signed url status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.SignedURL == "" {
		return "", fmt.Errorf("elevenlabs: malformed signed url response: %w", apperrors.ErrProviderTransient)
	}
	return result.SignedURL, nil
}

type initiationData struct {
	Type     string         `json:"type"`
	Override configOverride `json:"conversation_config_override"`
	Vars     map[string]any `json:"dynamic_variables,omitempty"`
}

type configOverride struct {
	Agent agentOverride `json:"agent"`
}

type agentOverride struct {
	FirstMessage string `json:"first_message"`
}

func initMessage(req voice.AttachRequest) initiationData {
	return initiationData{
		Type:     "conversation_initiation_client_data",
		Override: configOverride{Agent: agentOverride{FirstMessage: req.Script}},
		Vars: map[string]any{
			"lead_id":    req.Lead.ID,
			"lead_name":  req.Lead.Name,
			"attempt_id": req.AttemptID.String(),
		},
	}
}

// Session is one live conversation.
type Session struct {
	conn   *websocket.Conn
	stream *voice.Stream
	audio  chan []byte
	logger *zap.Logger

	writeMu        sync.Mutex
	mu             sync.Mutex
	detached       bool
	conversationID string
}

var _ voice.AudioSession = (*Session)(nil)

func (s *Session) Utterances() <-chan domain.Utterance { return s.stream.Utterances() }

func (s *Session) Done() <-chan struct{} { return s.stream.Done() }

func (s *Session) Result() voice.Result { return s.stream.Result() }

// Audio delivers agent speech as raw audio chunks.
func (s *Session) Audio() <-chan []byte { return s.audio }

// ConversationID is assigned by the agent once the conversation starts.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SendAudio forwards callee audio to the agent.
func (s *Session) SendAudio(chunk []byte) error {
	return s.write(map[string]string{"user_audio_chunk": base64.StdEncoding.EncodeToString(chunk)})
}

// Detach closes the conversation. Repeated calls are no-ops.
func (s *Session) Detach() error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return nil
	}
	s.detached = true
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detached"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	err := s.conn.Close()
	s.stream.Close(voice.Result{})
	return err
}

func (s *Session) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) readLoop() {
	defer close(s.audio)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		s.handle(data)
	}
}

// finish ends the stream once the read loop stops. A server-side close also
// releases the connection, leaving a later Detach with nothing to do.
func (s *Session) finish(err error) {
	s.mu.Lock()
	detached := s.detached
	s.detached = true
	s.mu.Unlock()
	if !detached {
		_ = s.conn.Close()
	}

	if detached || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.stream.Close(voice.Result{})
		return
	}
	s.logger.Error("voice agent connection lost", zap.Error(err))
	s.stream.Close(voice.Result{Err: fmt.Errorf("elevenlabs: connection lost: %v: %w", err, apperrors.ErrProviderTransient)})
}

type inbound struct {
	Type string `json:"type"`

	Metadata struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`
	UserTranscript struct {
		Text string `json:"user_transcript"`
	} `json:"user_transcription_event"`
	AgentResponse struct {
		Text string `json:"agent_response"`
	} `json:"agent_response_event"`
	Audio struct {
		Base64 string `json:"audio_base_64"`
	} `json:"audio_event"`
	Ping struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event"`
	ToolCall struct {
		Name       string         `json:"tool_name"`
		ID         string         `json:"tool_call_id"`
		Parameters map[string]any `json:"parameters"`
	} `json:"client_tool_call"`
}

func (s *Session) handle(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("unparseable voice agent message", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	switch msg.Type {
	case "conversation_initiation_metadata":
		s.mu.Lock()
		s.conversationID = msg.Metadata.ConversationID
		s.mu.Unlock()
	case "user_transcript":
		s.stream.Emit(domain.RoleUser, strings.TrimSpace(msg.UserTranscript.Text), now)
	case "agent_response":
		s.stream.Emit(domain.RoleAgent, strings.TrimSpace(msg.AgentResponse.Text), now)
	case "audio":
		chunk, err := base64.StdEncoding.DecodeString(msg.Audio.Base64)
		if err != nil {
			return
		}
		select {
		case s.audio <- chunk:
		default:
		}
	case "ping":
		if err := s.write(map[string]any{"type": "pong", "event_id": msg.Ping.EventID}); err != nil {
			s.logger.Warn("pong failed", zap.Error(err))
		}
	case "client_tool_call":
		s.handleToolCall(msg.ToolCall.Name, msg.ToolCall.ID, msg.ToolCall.Parameters)
	}
}

func (s *Session) handleToolCall(name, id string, params map[string]any) {
	reply := map[string]any{"type": "client_tool_result", "tool_call_id": id}
	if name != DispositionTool {
		reply["result"] = "unknown tool " + name
		reply["is_error"] = true
	} else {
		tag, _ := params["disposition"].(string)
		s.stream.SetDisposition(strings.ToLower(strings.TrimSpace(tag)))
		reply["result"] = "recorded"
		reply["is_error"] = false
	}
	if err := s.write(reply); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Warn("tool result not delivered", zap.String("tool", name), zap.Error(err))
	}
}
