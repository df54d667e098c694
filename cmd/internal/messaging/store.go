package messaging

import (
	"context"
	"time"
)

// SortOrder selects ascending or descending (CreatedAt, ID) order.
type SortOrder string

const (
	// SortAsc is the canonical order for conversation replay (oldest first).
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Page defaults and bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NormalizePage clamps page/pageSize to sane values.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// CreateInput describes a message create request.
// ID, CreatedAt and UpdatedAt are assigned by the store.
type CreateInput struct {
	SenderID          string
	RecipientID       string
	SenderDisplayName string
	Body              string
	Kind              Kind
	Category          SupportCategory
	Priority          Priority
	Now               time.Time
}

// ListBetweenInput describes a conversation history query.
type ListBetweenInput struct {
	UserA    string
	UserB    string
	Page     int
	PageSize int
	Order    SortOrder
}

// ListResult is a page of messages plus the total (pre-paging) count.
type ListResult struct {
	Messages []Message
	Total    int64
}

// ConversationSummary is one entry of a user's conversation list.
type ConversationSummary struct {
	PartnerID   string
	LastMessage Message
	UnreadCount int64
}

// ConversationsResult is a page of conversation summaries.
type ConversationsResult struct {
	Conversations []ConversationSummary
	Total         int64
}

// TriageUpdate carries the triage fields to change. Nil fields are left
// untouched; at least one must be non-nil.
type TriageUpdate struct {
	Status   *Status
	Priority *Priority
	Category *SupportCategory
}

// Empty reports whether the update carries nothing to change.
func (u TriageUpdate) Empty() bool {
	return u.Status == nil && u.Priority == nil && u.Category == nil
}

// SearchInput describes a substring search over a user's conversations.
type SearchInput struct {
	UserID    string
	Term      string
	PartnerID string // optional scope
	Page      int
	PageSize  int
}

// Store persists and queries messages.
//
// Requirements:
//   - Create rejects SenderID == RecipientID and assigns CreatedAt server-side.
//   - ListBetween orders by the total (created_at, id) comparator so paging
//     never duplicates or skips rows when timestamps collide.
//   - SetReadBulk is idempotent: it only touches rows where read_at is null
//     and reports how many rows it changed.
//   - SoftDelete / Edit / UpdateTriage fail with ErrAlreadyDeleted against a
//     tombstone, and mutations on the same id are serialized.
//   - Deleted rows never appear in ListBetween, ListConversations, Search,
//     or unread counts.
type Store interface {
	Create(ctx context.Context, in CreateInput) (Message, error)
	Get(ctx context.Context, id string) (Message, error)
	ListBetween(ctx context.Context, in ListBetweenInput) (ListResult, error)
	ListConversations(ctx context.Context, userID string, page, pageSize int) (ConversationsResult, error)
	SetReadBulk(ctx context.Context, recipientID, partnerID string, now time.Time) (int64, error)
	SoftDelete(ctx context.Context, id string, now time.Time) (Message, error)
	Edit(ctx context.Context, id, newBody string, now time.Time) (Message, error)
	UpdateTriage(ctx context.Context, id string, update TriageUpdate, now time.Time) (Message, error)
	Search(ctx context.Context, in SearchInput) (ListResult, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	UnreadFrom(ctx context.Context, recipientID, partnerID string) (int64, error)
	Close() error
}
