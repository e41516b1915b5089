package domain

import "strings"

// Thread is one ordered conversation between a user and a chatbot.
type Thread struct {
	ID            string    `json:"id"`
	ChatbotID     string    `json:"chatbotId"`
	UserID        string    `json:"userId"`
	OwnerID       string    `json:"ownerId"`
	CreatedAt     int64     `json:"createdAt"`
	ReadMessageID string    `json:"readMessageId,omitempty"`
	Messages      []Message `json:"messages"`
}

// Matches reports whether the thread belongs to the (owner, user, chatbot)
// triple. Empty arguments never match.
func (t Thread) Matches(ownerID, userID, chatbotID string) bool {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(userID) == "" || strings.TrimSpace(chatbotID) == "" {
		return false
	}
	return t.OwnerID == ownerID && t.UserID == userID && t.ChatbotID == chatbotID
}

// LastMessage returns the newest message by position, if any.
func (t Thread) LastMessage() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// Clone returns a deep copy of t.
func (t Thread) Clone() Thread {
	if t.Messages != nil {
		msgs := make([]Message, len(t.Messages))
		for i, m := range t.Messages {
			msgs[i] = m.Clone()
		}
		t.Messages = msgs
	}
	return t
}
