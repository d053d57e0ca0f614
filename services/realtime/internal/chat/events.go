package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"codecollab/pkg/domain"
)

// Event names on the wire.
const (
	EventJoinProject    = "join-project"
	EventProjectMessage = "project-message"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventChatHistory    = "chat-history"
	EventError          = "error"
)

const (
	MaxMessageIDLength = 128
	MaxBodyBytes       = 16 << 10
)

// Envelope frames every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the body of a session-local error event.
type ErrorPayload struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

// PresencePayload is what the server emits on user-left.
type PresencePayload struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// EncodeEvent renders an envelope as a text frame.
func EncodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// EncodeRaw wraps an already-encoded payload, used to rebroadcast presence
// verbatim.
func EncodeRaw(event string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeEnvelope parses an inbound frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: event name required", ErrInvalidMessage)
	}
	return env, nil
}

// Inbound is a validated user message ready for the coordinator.
type Inbound struct {
	ID        string
	ProjectID string
	Body      string
	Author    domain.Identity
}

type projectMessagePayload struct {
	ID        string          `json:"id"`
	Message   string          `json:"message"`
	Sender    json.RawMessage `json:"sender"`
	ProjectID string          `json:"projectId"`
}

// ParseProjectMessage validates a project-message payload against the
// admitted session. The sender field is advisory; the author is always the
// session identity.
func ParseProjectMessage(data json.RawMessage, projectID string, who domain.Identity) (Inbound, error) {
	var p projectMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	p.ID = strings.TrimSpace(p.ID)
	switch {
	case p.ID == "":
		return Inbound{}, fmt.Errorf("%w: id required", ErrInvalidMessage)
	case len(p.ID) > MaxMessageIDLength:
		return Inbound{}, fmt.Errorf("%w: id too long", ErrInvalidMessage)
	case strings.TrimSpace(p.Message) == "":
		return Inbound{}, fmt.Errorf("%w: message required", ErrInvalidMessage)
	case len(p.Message) > MaxBodyBytes:
		return Inbound{}, fmt.Errorf("%w: message too long", ErrInvalidMessage)
	case !utf8.ValidString(p.Message):
		return Inbound{}, fmt.Errorf("%w: message must be utf-8", ErrInvalidMessage)
	}
	if pid := strings.TrimSpace(p.ProjectID); pid != "" && pid != projectID {
		return Inbound{}, ErrProjectMismatch
	}
	return Inbound{ID: p.ID, ProjectID: projectID, Body: p.Message, Author: who}, nil
}

// ParseJoinProject accepts either {"projectId": "..."} or a bare string.
func ParseJoinProject(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("%w: projectId required", ErrInvalidMessage)
	}
	var id string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	} else {
		var p struct {
			ProjectID string `json:"projectId"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		id = p.ProjectID
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: projectId required", ErrInvalidMessage)
	}
	return id, nil
}
