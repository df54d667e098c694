// Package messaging contains Harbor's direct-messaging core: the canonical
// message record, the persistence contract, the conversation service, and the
// per-sender rate limiter. It has no knowledge of sockets or HTTP.
package messaging

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Body and display-name limits (runes, after trimming).
const (
	MinBodyChars        = 1
	MaxBodyChars        = 2000
	MaxDisplayNameChars = 100
)

// Kind classifies the message content.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Valid reports whether the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// SupportCategory is the support routing category.
type SupportCategory string

const (
	CategoryGeneral   SupportCategory = "general"
	CategoryTechnical SupportCategory = "technical"
	CategoryBilling   SupportCategory = "billing"
	CategoryAccount   SupportCategory = "account"
	CategoryOther     SupportCategory = "other"
)

// Valid reports whether the category is a known value.
func (c SupportCategory) Valid() bool {
	switch c {
	case CategoryGeneral, CategoryTechnical, CategoryBilling, CategoryAccount, CategoryOther:
		return true
	}
	return false
}

// Priority is the support triage priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Status is the support triage status.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// Valid reports whether the status is a known value.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Message is the only persisted entity in the messaging core.
//
// Invariants:
//   - SenderID != RecipientID (no self-messages)
//   - ReadAt is write-once: set at most once, never cleared or moved
//   - IsDeleted rows are tombstones kept for audit, excluded from views
type Message struct {
	ID                string
	SenderID          string
	RecipientID       string
	SenderDisplayName string
	Body              string

	Kind     Kind
	Category SupportCategory
	Priority Priority
	Status   Status

	ReadAt    *time.Time
	IsDeleted bool
	DeletedAt *time.Time
	IsEdited  bool
	EditedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationKey returns the canonical key for the pair (a, b).
// The key is symmetric: ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// PartnerOf returns the other participant of the message relative to userID.
func (m Message) PartnerOf(userID string) string {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// Less is the total order used for history pagination: (CreatedAt, ID)
// ascending. ID is the tie-break so pages stay stable when timestamps collide.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// NewMessageID returns a ULID message id (26 chars).
// ULIDs are lexicographically sortable, so the ID tie-break in the
// (CreatedAt, ID) comparator follows insertion order.
func NewMessageID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NormalizeBody trims the body and reports whether the trimmed length is
// within [MinBodyChars, MaxBodyChars] (measured in runes).
func NormalizeBody(body string) (string, bool) {
	body = strings.TrimSpace(body)
	n := len([]rune(body))
	return body, n >= MinBodyChars && n <= MaxBodyChars
}

// TruncateDisplayName bounds the denormalized sender name snapshot.
func TruncateDisplayName(name string) string {
	name = strings.TrimSpace(name)
	r := []rune(name)
	if len(r) > MaxDisplayNameChars {
		return string(r[:MaxDisplayNameChars])
	}
	return name
}
