package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Priority orders messages that share a timestamp: system, then user, then
// assistant.
func (r Role) Priority() int {
	switch r {
	case RoleSystem:
		return 0
	case RoleUser:
		return 1
	case RoleAssistant:
		return 2
	}
	return 3
}

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentMarkdown ContentType = "markdown"
)

// Metadata keys written by this module.
const (
	MetaRunID       = "runId"
	MetaAssistantID = "assistantId"
	MetaPersistedAt = "persistedAt"
	MetaProvisional = "provisional"
	MetaColor       = "color"
	MetaFont        = "font"
	MetaSize        = "size"
)

// Message is a single entry of a thread. It is immutable once persisted.
type Message struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	Content     string            `json:"content"`
	CreatedAt   int64             `json:"createdAt"`
	ContentType ContentType       `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate checks the message shape accepted at the store boundary.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("domain: message id is required")
	}
	if !m.Role.Valid() {
		return fmt.Errorf("domain: message %s: invalid role %q", m.ID, m.Role)
	}
	switch m.ContentType {
	case ContentText, ContentMarkdown:
	default:
		return fmt.Errorf("domain: message %s: invalid content type %q", m.ID, m.ContentType)
	}
	if m.CreatedAt <= 0 {
		return fmt.Errorf("domain: message %s: createdAt must be positive", m.ID)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Metadata != nil {
		md := make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}
