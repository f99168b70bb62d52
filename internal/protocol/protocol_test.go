package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecognized(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  any
	}{
		{"register", `{"type":"register","handle":"alice","password":"pw1"}`,
			&RegisterRequest{Handle: "alice", Password: "pw1"}},
		{"register with display name", `{"type":"register","handle":"alice","password":"pw1","display_name":"Alice"}`,
			&RegisterRequest{Handle: "alice", Password: "pw1", DisplayName: "Alice"}},
		{"login", `{"type":"login","handle":"alice","password":"pw1"}`,
			&LoginRequest{Handle: "alice", Password: "pw1"}},
		{"join without token", `{"type":"join","user":"alice"}`,
			&JoinRequest{User: "alice"}},
		{"join with token", `{"type":"join","user":"alice","token":"t"}`,
			&JoinRequest{User: "alice", Token: "t"}},
		{"message", `{"type":"message","user":"alice","text":"hi","token":"t","extra":1}`,
			&MessageRequest{User: "alice", Text: "hi", Token: "t"}},
		{"clear history", `{"type":"clear_history","user":"alice"}`,
			&ClearHistoryRequest{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeUnrecognized(t *testing.T) {
	frames := []string{
		``,
		`not json`,
		`[1,2,3]`,
		`{"type":5}`,
		`{"user":"alice"}`,
		`{"type":"typing","user":"alice"}`,
		`{"type":"register","handle":"alice"}`,
		`{"type":"login","password":"pw"}`,
		`{"type":"join"}`,
		`{"type":"message","user":"alice"}`,
		`{"type":"message","text":"hi"}`,
		`{"type":"message","user":"alice","text":7}`,
	}
	for _, frame := range frames {
		_, err := Decode([]byte(frame))
		assert.ErrorIs(t, err, ErrUnrecognized, "frame %q", frame)
	}
}

func TestRegisterCheck(t *testing.T) {
	assert.NoError(t, RegisterRequest{Handle: "alice", Password: "pw"}.Check())
	assert.NoError(t, RegisterRequest{Handle: "алиса", Password: "pw"}.Check())
	assert.Error(t, RegisterRequest{Handle: strings.Repeat("a", 33), Password: "pw"}.Check())
	assert.Error(t, RegisterRequest{Handle: "alice", Password: strings.Repeat("p", 129)}.Check())
}

func TestReplyFrames(t *testing.T) {
	var res AuthResult
	require.NoError(t, json.Unmarshal(Success(TypeRegister, "tok", "alice"), &res))
	assert.Equal(t, AuthResult{Type: TypeRegister, Success: true, Token: "tok", Handle: "alice"}, res)

	var fail map[string]any
	require.NoError(t, json.Unmarshal(Failure(TypeLogin, "nope"), &fail))
	assert.Equal(t, false, fail["success"])
	assert.Equal(t, "nope", fail["error"])
	assert.NotContains(t, fail, "token")

	var ae AuthError
	require.NoError(t, json.Unmarshal(NewAuthError("bad token"), &ae))
	assert.Equal(t, TypeAuthError, ae.Type)

	var sys System
	require.NoError(t, json.Unmarshal(NewSystem("cleared"), &sys))
	assert.Equal(t, System{Type: TypeSystem, Text: "cleared"}, sys)
}

func TestHistoryFrame(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	var entry HistoryEntry
	require.NoError(t, json.Unmarshal(HistoryFrame(3, EncodeStored("alice", "hi"), at), &entry))
	assert.Equal(t, HistoryEntry{
		Type:      TypeMessage,
		User:      "alice",
		Text:      "hi",
		Timestamp: "2025-03-01T12:00:00Z",
		History:   true,
	}, entry)
}

func TestHistoryFrameLegacyText(t *testing.T) {
	for _, stored := range []string{"plain old text", `{"text":"no user"}`, `[]`} {
		var entry HistoryEntry
		require.NoError(t, json.Unmarshal(HistoryFrame(12, stored, time.Now()), &entry))
		assert.Equal(t, "user_12", entry.User)
		assert.Equal(t, stored, entry.Text)
	}
}
