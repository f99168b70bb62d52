// Package protocol defines the JSON frames exchanged with chat clients.
//
// Every frame is a JSON object with a "type" discriminator. Inbound frames are
// decoded into one of the request types below; anything that does not decode
// cleanly is reported as ErrUnrecognized and relayed untouched by the caller.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Type is the frame discriminator.
type Type string

const (
	TypeRegister     Type = "register"
	TypeLogin        Type = "login"
	TypeJoin         Type = "join"
	TypeMessage      Type = "message"
	TypeClearHistory Type = "clear_history"
	TypeSystem       Type = "system"
	TypeAuthError    Type = "auth_error"
)

// ErrUnrecognized covers unparseable frames, unknown types and recognized
// types missing a required field.
var ErrUnrecognized = errors.New("protocol: unrecognized frame")

var validate = validator.New()

// RegisterRequest creates an account.
type RegisterRequest struct {
	Handle      string `json:"handle" validate:"required"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"display_name"`
}

// Limits applied to RegisterRequest after decoding. A request that breaks
// them is still a register command and gets a failure reply.
type registerLimits struct {
	Handle      string `validate:"min=1,max=32"`
	Password    string `validate:"min=1,max=128"`
	DisplayName string `validate:"max=64"`
}

// Check validates the handle and password limits.
func (r RegisterRequest) Check() error {
	return validate.Struct(registerLimits{
		Handle:      r.Handle,
		Password:    r.Password,
		DisplayName: r.DisplayName,
	})
}

// LoginRequest exchanges credentials for a token.
type LoginRequest struct {
	Handle   string `json:"handle" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// JoinRequest announces a user. Token is optional.
type JoinRequest struct {
	User  string `json:"user" validate:"required"`
	Token string `json:"token"`
}

// MessageRequest posts a chat message. Token is optional, but only
// token-verified messages are persisted.
type MessageRequest struct {
	User  string `json:"user" validate:"required"`
	Text  string `json:"text" validate:"required"`
	Token string `json:"token"`
}

// ClearHistoryRequest wipes the message log.
type ClearHistoryRequest struct{}

// Decode parses an inbound frame and returns a pointer to the matching
// request type.
func Decode(data []byte) (any, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}

	var req any
	switch head.Type {
	case TypeRegister:
		req = &RegisterRequest{}
	case TypeLogin:
		req = &LoginRequest{}
	case TypeJoin:
		req = &JoinRequest{}
	case TypeMessage:
		req = &MessageRequest{}
	case TypeClearHistory:
		return &ClearHistoryRequest{}, nil
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnrecognized, head.Type)
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	return req, nil
}

// AuthResult answers register and login.
type AuthResult struct {
	Type    Type   `json:"type"`
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Handle  string `json:"handle,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AuthError tells the sender its token was rejected.
type AuthError struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

// System is a server generated notification.
type System struct {
	Type Type   `json:"type"`
	Text string `json:"text"`
}

// HistoryEntry is a replayed message.
type HistoryEntry struct {
	Type      Type   `json:"type"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	History   bool   `json:"history"`
}

// StoredMessage is the envelope persisted as a record's text.
type StoredMessage struct {
	User string `json:"user"`
	Text string `json:"text"`
}

// Success builds a successful register or login reply.
func Success(t Type, token, handle string) []byte {
	return mustMarshal(AuthResult{Type: t, Success: true, Token: token, Handle: handle})
}

// Failure builds a failed register or login reply.
func Failure(t Type, reason string) []byte {
	return mustMarshal(AuthResult{Type: t, Success: false, Error: reason})
}

// NewAuthError builds an auth_error frame.
func NewAuthError(reason string) []byte {
	return mustMarshal(AuthError{Type: TypeAuthError, Error: reason})
}

// NewSystem builds a system notification frame.
func NewSystem(text string) []byte {
	return mustMarshal(System{Type: TypeSystem, Text: text})
}

// EncodeStored serializes the persisted form of a chat message.
func EncodeStored(user, text string) string {
	return string(mustMarshal(StoredMessage{User: user, Text: text}))
}

// HistoryFrame turns a persisted record into a replay frame. Records whose
// text is not a stored envelope predate the envelope format; they are shown
// under a placeholder name derived from the author id.
func HistoryFrame(userID int64, stored string, at time.Time) []byte {
	entry := HistoryEntry{
		Type:      TypeMessage,
		Timestamp: at.UTC().Format(time.RFC3339),
		History:   true,
	}
	var m StoredMessage
	if err := json.Unmarshal([]byte(stored), &m); err == nil && m.User != "" {
		entry.User = m.User
		entry.Text = m.Text
	} else {
		entry.User = "user_" + strconv.FormatInt(userID, 10)
		entry.Text = stored
	}
	return mustMarshal(entry)
}

// mustMarshal is only used on the frame structs above, which contain nothing
// that can fail to encode.
func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
