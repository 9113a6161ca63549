package aileg

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type TargetKind string

const (
	TargetSignedURL TargetKind = "signed_url"
	TargetAgentID   TargetKind = "agent_id"
	TargetPrompt    TargetKind = "prompt"
)

// Target selects how the AI leg is reached. It is resolved once when a call session
// is created and never changes for that call.
type Target struct {
	Kind  TargetKind `json:"kind"`
	Value string     `json:"value"`
}

func SignedURL(u string) Target { return Target{Kind: TargetSignedURL, Value: u} }
func AgentID(id string) Target  { return Target{Kind: TargetAgentID, Value: id} }
func Prompt(text string) Target { return Target{Kind: TargetPrompt, Value: text} }

var ErrNoTarget = errors.New("no ai leg target configured")

func (t Target) Validate() error {
	v := strings.TrimSpace(t.Value)
	switch t.Kind {
	case TargetSignedURL:
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("invalid signed url: %w", err)
		}
		if u.Scheme != "wss" && u.Scheme != "ws" {
			return fmt.Errorf("signed url scheme %q must be ws or wss", u.Scheme)
		}
	case TargetAgentID, TargetPrompt:
		if v == "" {
			return fmt.Errorf("%s target is empty", t.Kind)
		}
	default:
		return ErrNoTarget
	}
	return nil
}

// String never includes the signed URL query, which carries a credential.
func (t Target) String() string {
	if t.Kind == TargetSignedURL {
		if u, err := url.Parse(t.Value); err == nil {
			return string(t.Kind) + ":" + u.Host + u.Path
		}
		return string(t.Kind)
	}
	if t.Kind == TargetPrompt {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.Value
}

// TargetFromParams picks a target from per-call parameters. A signed URL wins over an
// agent id, which wins over a prompt; with none present the default agent is used.
func TargetFromParams(params map[string]string, defaultAgentID string) (Target, error) {
	pick := func(key string) string { return strings.TrimSpace(params[key]) }
	var t Target
	switch {
	case pick("signed_url") != "":
		t = SignedURL(pick("signed_url"))
	case pick("agent_id") != "":
		t = AgentID(pick("agent_id"))
	case pick("prompt") != "":
		t = Prompt(pick("prompt"))
	case strings.TrimSpace(defaultAgentID) != "":
		t = AgentID(strings.TrimSpace(defaultAgentID))
	default:
		return Target{}, ErrNoTarget
	}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}
