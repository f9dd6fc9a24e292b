// Package contract defines the logout hub wire protocol. It is shared by the
// hub and the channel client so the two cannot drift apart.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version embedded into every envelope.
const Version = 1

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "sso.logout.v1"

// Envelope types (wire-stable).
const (
	// TypeInvoke calls a hub method (client -> server).
	TypeInvoke = "invoke"
	// TypeCompletion answers an invoke (server -> client).
	TypeCompletion = "completion"
	// TypeEvent is a server push (server -> group members).
	TypeEvent = "event"
	// TypeError reports a protocol problem (server -> client).
	TypeError = "error"
)

// Hub methods and events.
const (
	MethodJoinLogoutGroup  = "JoinLogoutGroup"
	MethodLeaveLogoutGroup = "LeaveLogoutGroup"
	EventUserLoggedOut     = "UserLoggedOut"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: got=%d want=%d", e.V, Version)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	switch e.Type {
	case TypeInvoke, TypeCompletion, TypeEvent, TypeError:
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing field: id")
	}
	if e.Payload == nil {
		return errors.New("missing field: payload")
	}
	return nil
}

// DecodePayload unmarshals the payload into v
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

type InvokePayload struct {
	InvocationID string   `json:"invocation_id"`
	Method       string   `json:"method"`
	Args         []string `json:"args"`
}

type CompletionPayload struct {
	InvocationID string `json:"invocation_id"`
	Error        string `json:"error,omitempty"`
}

type EventPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// UserLoggedOut is pushed to every member of the user's logout group.
type UserLoggedOut struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	// Timestamp is epoch milliseconds.
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope wraps payload with a fresh id and timestamp
func NewEnvelope(typ string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: b,
	}, nil
}

// NewInvoke builds an invoke envelope and returns its invocation id
func NewInvoke(method string, args ...string) (Envelope, string, error) {
	id := uuid.NewString()
	env, err := NewEnvelope(TypeInvoke, InvokePayload{InvocationID: id, Method: method, Args: args})
	return env, id, err
}

// NewCompletion answers invocationID; errMsg is empty on success
func NewCompletion(invocationID, errMsg string) Envelope {
	env, _ := NewEnvelope(TypeCompletion, CompletionPayload{InvocationID: invocationID, Error: errMsg})
	return env
}

// NewEvent builds a server push for name
func NewEvent(name string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return NewEnvelope(TypeEvent, EventPayload{Name: name, Payload: b})
}

// NewError builds an error envelope
func NewError(code, msg string) Envelope {
	env, _ := NewEnvelope(TypeError, ErrorPayload{Code: code, Message: msg})
	return env
}

// Decode parses and validates one frame
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
