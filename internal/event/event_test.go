package event

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/spotter/internal/domain"
)

func TestInboundDecode(t *testing.T) {
	var in Inbound
	require.NoError(t, json.Unmarshal([]byte(`{"event":"send-message","data":{"recipient_id":"bob","content":"hi","client_id":"c1"}}`), &in))
	require.Equal(t, SendMessage, in.Event)

	var p Send
	require.NoError(t, in.Decode(&p))
	require.Equal(t, Send{RecipientID: "bob", Content: "hi", ClientID: "c1"}, p)

	empty := Inbound{Event: JoinConversation}
	require.ErrorIs(t, empty.Decode(&ConversationRef{}), domain.ErrInvalidMessage)

	bad := Inbound{Event: JoinConversation, Data: json.RawMessage(`[1,2]`)}
	require.ErrorIs(t, bad.Decode(&ConversationRef{}), domain.ErrInvalidMessage)
}

func TestCallTarget(t *testing.T) {
	require.Equal(t, "t", Call{TargetID: "t", RecipientID: "r", CallerID: "c"}.Target())
	require.Equal(t, "r", Call{RecipientID: "r", CallerID: "c"}.Target())
	require.Equal(t, "c", Call{CallerID: "c"}.Target())
	require.Empty(t, Call{}.Target())
}

func TestEnvelopeJSON(t *testing.T) {
	data, err := json.Marshal(New(Pong, nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"pong"}`, string(data))

	data, err = json.Marshal(New(UserTyping, TypingNotice{ConversationID: "c1", UserID: "u1", IsTyping: true}))
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"user-typing","data":{"conversation_id":"c1","user_id":"u1","is_typing":true}}`, string(data))
}

func TestFail(t *testing.T) {
	env := Fail(SendMessage, fmt.Errorf("conversation x: %w", domain.ErrAccessDenied))
	require.Equal(t, Error, env.Event)
	f := env.Data.(Failure)
	require.Equal(t, domain.CodeAccessDenied, f.Code)
	require.Equal(t, SendMessage, f.Event)

	env = Fail(MarkMessagesRead, fmt.Errorf("mark read: %w", fmt.Errorf("disk i/o")))
	f = env.Data.(Failure)
	require.Equal(t, domain.CodeInternal, f.Code)
	require.Equal(t, "internal error", f.Message)
}
