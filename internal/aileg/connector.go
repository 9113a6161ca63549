// Package aileg dials the speech-to-speech AI provider and frames its conversation
// WebSocket as a leg.Conn.
package aileg

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/leg"
	"github.com/ent0n29/voicerelay/internal/reliability"
)

// ConnectError is a categorized AI leg connect failure. Kind is used as the circuit
// breaker failure kind.
type ConnectError struct {
	Provider string
	Kind     string
	Status   int
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s connect failed (%s, status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s connect failed (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// KindOf returns the connect failure kind of err, or "" when err is not a ConnectError.
func KindOf(err error) string {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// Retryable reports whether another dial could succeed where err failed. A rejected
// handshake is retried only for throttling and server-side statuses; auth failures
// and non-ConnectErrors are final.
func Retryable(err error) bool {
	var ce *ConnectError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.Status != 0 {
		return reliability.IsRetryableHTTPStatus(ce.Status)
	}
	return ce.Kind != reliability.KindAuth
}

// Connector opens AI legs for one provider.
type Connector interface {
	Provider() string
	Dial(ctx context.Context, target Target) (leg.Conn, error)
}

type Config struct {
	Provider       string
	WSBaseURL      string
	APIKey         string
	DefaultAgentID string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

type ElevenLabsConnector struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewElevenLabsConnector(cfg Config) *ElevenLabsConnector {
	if strings.TrimSpace(cfg.Provider) == "" {
		cfg.Provider = "elevenlabs"
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &ElevenLabsConnector{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  16 * 1024,
		},
	}
}

func (c *ElevenLabsConnector) Provider() string { return c.cfg.Provider }

func (c *ElevenLabsConnector) conversationURL(agentID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.WSBaseURL, "/") + "/v1/convai/conversation")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the provider. Failures are returned as *ConnectError.
func (c *ElevenLabsConnector) Dial(ctx context.Context, target Target) (leg.Conn, error) {
	if err := target.Validate(); err != nil {
		return nil, &ConnectError{Provider: c.cfg.Provider, Kind: reliability.KindRefused, Err: err}
	}

	var (
		endpoint string
		headers  = http.Header{}
		prompt   string
		err      error
	)
	switch target.Kind {
	case TargetSignedURL:
		endpoint = target.Value
	case TargetAgentID:
		endpoint, err = c.conversationURL(target.Value)
		headers.Set("xi-api-key", c.cfg.APIKey)
	case TargetPrompt:
		if strings.TrimSpace(c.cfg.DefaultAgentID) == "" {
			return nil, &ConnectError{Provider: c.cfg.Provider, Kind: reliability.KindRefused, Err: errors.New("prompt target requires a default agent id")}
		}
		endpoint, err = c.conversationURL(c.cfg.DefaultAgentID)
		headers.Set("xi-api-key", c.cfg.APIKey)
		prompt = target.Value
	}
	if err != nil {
		return nil, &ConnectError{Provider: c.cfg.Provider, Kind: reliability.KindRefused, Err: err}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ws, resp, err := c.dialer.DialContext(dialCtx, endpoint, headers)
	if err != nil {
		ce := &ConnectError{Provider: c.cfg.Provider, Err: err}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			ce.Status = resp.StatusCode
			ce.Kind = reliability.ClassifyHandshakeStatus(resp.StatusCode)
		} else {
			ce.Kind = reliability.ClassifyDialError(err)
		}
		return nil, ce
	}

	conn := newConn(ws, c.cfg.WriteTimeout)
	if prompt != "" {
		initMsg := map[string]any{
			"type": "conversation_initiation_client_data",
			"conversation_config_override": map[string]any{
				"agent": map[string]any{
					"prompt": map[string]any{"prompt": prompt},
				},
			},
		}
		if err := conn.writeJSON(dialCtx, initMsg); err != nil {
			_ = conn.Close()
			return nil, &ConnectError{Provider: c.cfg.Provider, Kind: reliability.ClassifyDialError(err), Err: err}
		}
	}
	return conn, nil
}
