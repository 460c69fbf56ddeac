// Package event defines the frames exchanged over the live channel.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/spotter/internal/domain"
)

// Name identifies a live channel event.
type Name string

// Client events.
const (
	JoinConversation  Name = "join-conversation"
	LeaveConversation Name = "leave-conversation"
	SendMessage       Name = "send-message"
	DeleteMessage     Name = "delete-message"
	TypingStart       Name = "typing-start"
	TypingStop        Name = "typing-stop"
	MarkMessagesRead  Name = "mark-messages-read"
	InitiateCall      Name = "initiate-call"
	CallResponse      Name = "call-response"
	EndCall           Name = "end-call"
	Ping              Name = "ping"
)

// Server events. CallResponse is relayed under the same name it arrives with.
const (
	NewMessage        Name = "new-message"
	MessageDeleted    Name = "message-deleted"
	UserTyping        Name = "user-typing"
	MessagesRead      Name = "messages-read"
	UserStatusChanged Name = "user-status-changed"
	IncomingCall      Name = "incoming-call"
	CallEnded         Name = "call-ended"
	MessageDelivered  Name = "message-delivered"
	Error             Name = "error"
	Pong              Name = "pong"
)

// Envelope is an outbound frame.
type Envelope struct {
	Event Name `json:"event"`
	Data  any  `json:"data,omitempty"`
}

// New builds an outbound envelope.
func New(name Name, data any) Envelope {
	return Envelope{Event: name, Data: data}
}

// Inbound is a client frame whose payload is decoded by the handler for its event.
type Inbound struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the inbound payload into v.
func (in Inbound) Decode(v any) error {
	if len(in.Data) == 0 {
		return fmt.Errorf("%w: %s requires a payload", domain.ErrInvalidMessage, in.Event)
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidMessage, in.Event, err)
	}
	return nil
}

// ConversationRef names a conversation in join, leave and read frames.
type ConversationRef struct {
	ConversationID string `json:"conversation_id"`
}

// Send is the payload of send-message.
type Send struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	RecipientID    string             `json:"recipient_id,omitempty"`
	Content        string             `json:"content,omitempty"`
	Type           domain.MessageType `json:"type,omitempty"`
	MediaURL       string             `json:"media_url,omitempty"`
	ClientID       string             `json:"client_id,omitempty"`
}

// MessageRef names a message in delete frames.
type MessageRef struct {
	MessageID string `json:"message_id"`
}

// Typing is the payload of typing-start and typing-stop.
type Typing struct {
	ConversationID string `json:"conversation_id"`
	RecipientID    string `json:"recipient_id,omitempty"`
}

// Call is the payload of the call signaling events.
// The peer is named by target_id, or by recipient_id when calling and caller_id when answering.
type Call struct {
	TargetID    string          `json:"target_id,omitempty"`
	RecipientID string          `json:"recipient_id,omitempty"`
	CallerID    string          `json:"caller_id,omitempty"`
	CallType    string          `json:"call_type,omitempty"`
	Accepted    *bool           `json:"accepted,omitempty"`
	Signal      json.RawMessage `json:"signal,omitempty"`
}

// Target returns the user the signal is addressed to.
func (c Call) Target() string {
	switch {
	case c.TargetID != "":
		return c.TargetID
	case c.RecipientID != "":
		return c.RecipientID
	default:
		return c.CallerID
	}
}

// Deleted is the payload of message-deleted.
type Deleted struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// TypingNotice is the payload of user-typing.
type TypingNotice struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// Status is the payload of user-status-changed.
type Status struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// CallNotice is the payload relayed to the call target.
type CallNotice struct {
	FromUserID string          `json:"from_user_id"`
	CallType   string          `json:"call_type,omitempty"`
	Accepted   *bool           `json:"accepted,omitempty"`
	Signal     json.RawMessage `json:"signal,omitempty"`
}

// Delivered acknowledges a persisted send to its originating connection.
type Delivered struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	ClientID       string    `json:"client_id,omitempty"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// Failure is the payload of error.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   Name   `json:"event,omitempty"`
}

// Fail builds an error envelope for err raised while handling the given event.
func Fail(source Name, err error) Envelope {
	return New(Error, Failure{
		Code:    domain.Code(err),
		Message: domain.PublicMessage(err),
		Event:   source,
	})
}
