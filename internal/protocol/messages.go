// Package protocol defines the JSON frames of the TTS websocket. The STT
// websocket carries raw PCM and plain text only.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Action identifies TTS frame variants.
type Action string

const (
	ActionSynthesize Action = "synthesize"
	ActionCancel     Action = "cancel"
	ActionDone       Action = "done"
	ActionError      Action = "error"
)

var ErrUnsupportedAction = errors.New("unsupported action")

// SynthesisRequest is a client frame on the TTS socket.
type SynthesisRequest struct {
	Action Action `json:"action"`
	Text   string `json:"text,omitempty"`
}

// Done marks the end of a completed synthesis.
type Done struct {
	Action Action `json:"action"`
}

// ErrorFrame is sent best-effort before the server closes a TTS socket
// because of a provider failure.
type ErrorFrame struct {
	Action    Action `json:"action"`
	Code      string `json:"code"`
	Provider  string `json:"provider,omitempty"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail,omitempty"`
}

func NewDone() Done {
	return Done{Action: ActionDone}
}

func NewErrorFrame(code, provider, detail string, retryable bool) ErrorFrame {
	return ErrorFrame{Action: ActionError, Code: code, Provider: provider, Retryable: retryable, Detail: detail}
}

// ParseSynthesisRequest decodes a client frame. Action names are matched
// case-insensitively.
func ParseSynthesisRequest(raw []byte) (SynthesisRequest, error) {
	var req SynthesisRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return SynthesisRequest{}, fmt.Errorf("invalid request: %w", err)
	}
	req.Action = Action(strings.ToLower(strings.TrimSpace(string(req.Action))))

	switch req.Action {
	case ActionSynthesize:
		return req, nil
	case ActionCancel:
		req.Text = ""
		return req, nil
	default:
		return SynthesisRequest{}, fmt.Errorf("%w: %q", ErrUnsupportedAction, req.Action)
	}
}
