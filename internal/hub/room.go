// Package hub fans live events out to the connections of personal and conversation rooms.
package hub

// Kind distinguishes the two room types.
type Kind int

const (
	// Personal rooms hold every live connection of one user.
	Personal Kind = iota + 1
	// Conversation rooms hold connections that explicitly joined a conversation.
	Conversation
)

func (k Kind) String() string {
	switch k {
	case Personal:
		return "user"
	case Conversation:
		return "conversation"
	default:
		return "unknown"
	}
}

// Room addresses a set of connections.
type Room struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// PersonalRoom returns the room of userID's connections.
func PersonalRoom(userID string) Room {
	return Room{Kind: Personal, ID: userID}
}

// ConversationRoom returns the room of a conversation.
func ConversationRoom(conversationID string) Room {
	return Room{Kind: Conversation, ID: conversationID}
}

// PersonalRooms returns the personal rooms of every given user.
func PersonalRooms(userIDs ...string) []Room {
	rooms := make([]Room, 0, len(userIDs))
	for _, id := range userIDs {
		rooms = append(rooms, PersonalRoom(id))
	}
	return rooms
}

func (r Room) String() string {
	return r.Kind.String() + ":" + r.ID
}
