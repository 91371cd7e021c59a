// Package twilio drives outbound calls through the Twilio Programmable Voice REST API.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/acme/lead-call-orchestrator/internal/phone"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Options configures a client for one credential snapshot.
type Options struct {
	BaseURL         string
	AccountSID      string
	AuthToken       string
	FromNumber      string
	CallbackBaseURL string
	HTTPClient      *http.Client
}

// Client implements telephony.Driver.
type Client struct {
	opts     Options
	http     *http.Client
	registry *telephony.Registry
}

// New builds a client. Calls it places are tracked in registry so status
// callbacks can reach them.
func New(opts Options, registry *telephony.Registry) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.CallbackBaseURL = strings.TrimRight(opts.CallbackBaseURL, "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{opts: opts, http: httpClient, registry: registry}
}

type callResource struct {
	SID    string `json:"sid"`
	To     string `json:"to"`
	Status string `json:"status"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// invalid number, unverified caller id, number not dialable
var validationCodes = map[int]bool{21211: true, 21214: true, 21217: true, 21215: true, 13224: true}

// PlaceCall creates the outbound call.
func (c *Client) PlaceCall(ctx context.Context, req telephony.DialRequest) (*telephony.Call, error) {
	to, err := phone.Normalize(req.To)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.opts.FromNumber)
	form.Set("Url", fmt.Sprintf("%s/webhooks/telephony/twiml?attempt_id=%s", c.opts.CallbackBaseURL, req.AttemptID))
	form.Set("StatusCallback", c.opts.CallbackBaseURL+"/webhooks/telephony/status")
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, event := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", event)
	}
	if req.RingTimeout > 0 {
		form.Set("Timeout", strconv.Itoa(int(req.RingTimeout.Seconds())))
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.opts.BaseURL, url.PathEscape(c.opts.AccountSID))
	var resource callResource
	if err := c.post(ctx, endpoint, form, &resource); err != nil {
		return nil, fmt.Errorf("twilio: place call: %w", err)
	}
	if resource.SID == "" {
		return nil, fmt.Errorf("twilio: place call: empty call sid: %w", apperrors.ErrProviderTransient)
	}

	// the carrier echoes the number in its own format
	if normalized, err := phone.Normalize(resource.To); err == nil {
		to = normalized
	}

	call := telephony.NewCall(resource.SID, to)
	c.registry.Track(call)
	if status := telephony.ParseStatus(resource.Status); status.Terminal() {
		call.Terminate(status, "rejected at creation", time.Now().UTC())
	}
	return call, nil
}

// Hangup completes the call. Calls that already ended are left alone.
func (c *Client) Hangup(ctx context.Context, externalCallID string) error {
	form := url.Values{}
	form.Set("Status", string(telephony.StatusCompleted))
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.opts.BaseURL,
		url.PathEscape(c.opts.AccountSID), url.PathEscape(externalCallID))

	var resource callResource
	if err := c.post(ctx, endpoint, form, &resource); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("twilio: hangup %s: %w", externalCallID, err)
	}
	if call, ok := c.registry.Lookup(externalCallID); ok {
		call.Terminate(telephony.StatusCompleted, "hung up", time.Now().UTC())
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.opts.AccountSID, c.opts.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrProviderTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", apperrors.ErrProviderTransient, err)
	}

	if resp.StatusCode >= 300 {
		return classify(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", apperrors.ErrProviderTransient, err)
	}
	return nil
}

func classify(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	detail := apiErr.Message
	if detail == "" {
		detail = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", apperrors.ErrProviderAuth, status, detail)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d: %s", apperrors.ErrNotFound, status, detail)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", apperrors.ErrProviderTransient, status, detail)
	case validationCodes[apiErr.Code]:
		return fmt.Errorf("%w: carrier code %d: %s", apperrors.ErrValidation, apiErr.Code, detail)
	default:
		return fmt.Errorf("carrier rejected request: status %d code %d: %s", status, apiErr.Code, detail)
	}
}
