// Package protocol defines the JSON frames exchanged with browser clients
// over the /ws endpoint. Upstream frames are opaque to this package: the
// relay forwards them verbatim.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies an inbound client message by its top-level key.
type Kind int

const (
	// KindUnknown covers any shape the relay does not recognize. Unknown
	// input is logged and skipped, never fatal.
	KindUnknown Kind = iota
	// KindSetup carries session identity (run_id/user_id).
	KindSetup
	// KindRealtimeInput carries streaming audio/video input; forwarded
	// verbatim to the upstream session.
	KindRealtimeInput
	// KindClientContent carries turn content; forwarded verbatim.
	KindClientContent
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindRealtimeInput:
		return "realtimeInput"
	case KindClientContent:
		return "clientContent"
	default:
		return "unknown"
	}
}

// Setup is the identity payload a client sends once at session start.
type Setup struct {
	RunID  string         `json:"run_id"`
	UserID string         `json:"user_id"`
	Extra  map[string]any `json:"-"`
}

// ClientMessage is a decoded inbound client frame. Raw always holds the
// original bytes so forwarded messages preserve the client's exact encoding.
type ClientMessage struct {
	Kind  Kind
	Setup *Setup
	Raw   []byte
}

type clientEnvelope struct {
	Setup         json.RawMessage `json:"setup"`
	RealtimeInput json.RawMessage `json:"realtimeInput"`
	ClientContent json.RawMessage `json:"clientContent"`
}

// DecodeClientMessage classifies a raw client frame. Only malformed JSON is
// an error; an unrecognized shape decodes to KindUnknown.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}

	msg := ClientMessage{Raw: data}
	switch {
	case len(env.RealtimeInput) > 0:
		msg.Kind = KindRealtimeInput
	case len(env.ClientContent) > 0:
		msg.Kind = KindClientContent
	case len(env.Setup) > 0:
		msg.Kind = KindSetup
		setup, err := decodeSetup(env.Setup)
		if err != nil {
			return ClientMessage{}, err
		}
		msg.Setup = setup
	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

func decodeSetup(raw json.RawMessage) (*Setup, error) {
	var s Setup
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode setup payload: %w", err)
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err == nil {
		s.Extra = extra
	}
	s.RunID = strings.TrimSpace(s.RunID)
	s.UserID = strings.TrimSpace(s.UserID)
	return &s, nil
}

// ServerStatus is an informational frame sent to the client, e.g. retry and
// readiness notices during session establishment.
type ServerStatus struct {
	Status string `json:"status"`
}

// StatusFrame marshals a ServerStatus. Marshaling a flat string field cannot
// fail, so the frame bytes are returned directly.
func StatusFrame(status string) []byte {
	b, _ := json.Marshal(ServerStatus{Status: status})
	return b
}
