package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChatMessage is one entry of a room's ordered log. Everything except
// ReadBy is immutable once stored.
type ChatMessage struct {
	ID         string          `json:"id"`
	RoomID     string          `json:"roomId"`
	Seq        int64           `json:"seq"`
	SenderID   string          `json:"senderId"`
	SenderRole SenderRole      `json:"senderRole"`
	Message    string          `json:"message"`
	Gif        string          `json:"gif,omitempty"`
	FileURL    string          `json:"fileUrl,omitempty"`
	FileType   string          `json:"fileType,omitempty"`
	FileName   string          `json:"fileName,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	ReadBy     map[string]bool `json:"readBy"`
}

// HasAttachment reports whether the message carries a file.
func (m *ChatMessage) HasAttachment() bool {
	return m.FileURL != ""
}

// Preview is a short, human readable rendering for inbox views.
func (m *ChatMessage) Preview() string {
	switch {
	case m.Message != "":
		return m.Message
	case m.Gif != "":
		return "[gif]"
	case m.FileName != "":
		return m.FileName
	case m.HasAttachment():
		return "[attachment]"
	}
	return ""
}

// Clone returns a deep copy so callers never share the ReadBy map.
func (m *ChatMessage) Clone() *ChatMessage {
	c := *m
	c.ReadBy = make(map[string]bool, len(m.ReadBy))
	for k, v := range m.ReadBy {
		c.ReadBy[k] = v
	}
	return &c
}

// ValidateMessage checks a message before it is appended.
func ValidateMessage(m *ChatMessage, maxLength int) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrValidation)
	}
	if err := ValidateRoomID(m.RoomID); err != nil {
		return err
	}
	if err := ValidateIdentity(m.SenderID); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if !m.SenderRole.Valid() {
		return fmt.Errorf("%w: unknown sender role %q", ErrValidation, m.SenderRole)
	}
	if strings.TrimSpace(m.Message) == "" && m.Gif == "" && !m.HasAttachment() {
		return fmt.Errorf("%w: message, gif or attachment required", ErrValidation)
	}
	if maxLength > 0 && len([]rune(m.Message)) > maxLength {
		return fmt.Errorf("%w: message longer than %d characters", ErrValidation, maxLength)
	}
	if !m.HasAttachment() && (m.FileType != "" || m.FileName != "") {
		return fmt.Errorf("%w: attachment metadata without fileUrl", ErrValidation)
	}
	return nil
}
