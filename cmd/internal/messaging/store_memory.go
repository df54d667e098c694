package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used when no database is configured and
// as the unit-test backend. It holds every record behind one mutex, which
// also gives it the per-message mutation serialization the contract requires.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Message
	all  []*Message
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*Message),
		all:  make([]*Message, 0, 256),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// Create persists a new message, assigning id and timestamps.
func (s *MemoryStore) Create(ctx context.Context, in CreateInput) (Message, error) {
	if in.SenderID == "" || in.RecipientID == "" || in.Body == "" {
		return Message{}, OpError{Op: "messaging.Create", Kind: ErrValidation, Msg: "missing required field"}
	}
	if in.SenderID == in.RecipientID {
		return Message{}, OpError{Op: "messaging.Create", Kind: ErrSelfMessage}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	msg := &Message{
		ID:                id,
		SenderID:          in.SenderID,
		RecipientID:       in.RecipientID,
		SenderDisplayName: in.SenderDisplayName,
		Body:              in.Body,
		Kind:              defaultKind(in.Kind),
		Category:          defaultCategory(in.Category),
		Priority:          defaultPriority(in.Priority),
		Status:            StatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[msg.ID] = msg
	s.all = append(s.all, msg)
	return *msg, nil
}

// Get returns a message by id, including tombstones.
func (s *MemoryStore) Get(ctx context.Context, id string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, OpError{Op: "messaging.Get", Kind: ErrNotFound, Msg: "message"}
	}
	return *m, nil
}

// ListBetween returns one page of the conversation between two users plus
// the total non-deleted count, in (CreatedAt, ID) order.
func (s *MemoryStore) ListBetween(ctx context.Context, in ListBetweenInput) (ListResult, error) {
	page, pageSize := NormalizePage(in.Page, in.PageSize)

	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	s.mu.Lock()
	snap := s.snapshotBetween(in.UserA, in.UserB)
	s.mu.Unlock()

	sortMessages(snap, in.Order)
	total := int64(len(snap))
	return ListResult{Messages: pageOf(snap, page, pageSize), Total: total}, nil
}

// ListConversations groups the user's messages by partner and returns one
// summary per partner, sorted by unread count then last-message recency.
func (s *MemoryStore) ListConversations(ctx context.Context, userID string, page, pageSize int) (ConversationsResult, error) {
	page, pageSize = NormalizePage(page, pageSize)

	if err := ctx.Err(); err != nil {
		return ConversationsResult{}, err
	}

	s.mu.Lock()
	byPartner := make(map[string]*ConversationSummary)
	for _, m := range s.all {
		if m.IsDeleted || (m.SenderID != userID && m.RecipientID != userID) {
			continue
		}
		partner := m.PartnerOf(userID)
		sum, ok := byPartner[partner]
		if !ok {
			sum = &ConversationSummary{PartnerID: partner, LastMessage: *m}
			byPartner[partner] = sum
		} else if sum.LastMessage.Less(*m) {
			sum.LastMessage = *m
		}
		if m.RecipientID == userID && m.ReadAt == nil {
			sum.UnreadCount++
		}
	}
	s.mu.Unlock()

	out := make([]ConversationSummary, 0, len(byPartner))
	for _, sum := range byPartner {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UnreadCount != out[j].UnreadCount {
			return out[i].UnreadCount > out[j].UnreadCount
		}
		if !out[i].LastMessage.CreatedAt.Equal(out[j].LastMessage.CreatedAt) {
			return out[i].LastMessage.CreatedAt.After(out[j].LastMessage.CreatedAt)
		}
		if out[i].LastMessage.ID != out[j].LastMessage.ID {
			return out[i].LastMessage.ID > out[j].LastMessage.ID
		}
		return out[i].PartnerID < out[j].PartnerID
	})

	total := int64(len(out))
	start := (page - 1) * pageSize
	if start >= len(out) {
		return ConversationsResult{Total: total}, nil
	}
	end := start + pageSize
	if end > len(out) {
		end = len(out)
	}
	return ConversationsResult{Conversations: out[start:end], Total: total}, nil
}

// SetReadBulk stamps read_at on every currently-unread message from
// partnerID to recipientID. Write-once: rows with read_at set are skipped,
// so a second call changes nothing and returns 0.
func (s *MemoryStore) SetReadBulk(ctx context.Context, recipientID, partnerID string, now time.Time) (int64, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var modified int64
	for _, m := range s.all {
		if m.IsDeleted || m.RecipientID != recipientID || m.SenderID != partnerID || m.ReadAt != nil {
			continue
		}
		at := now
		m.ReadAt = &at
		m.UpdatedAt = now
		modified++
	}
	return modified, nil
}

// SoftDelete tombstones a message. Deleting a tombstone is an error.
func (s *MemoryStore) SoftDelete(ctx context.Context, id string, now time.Time) (Message, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, OpError{Op: "messaging.SoftDelete", Kind: ErrNotFound, Msg: "message"}
	}
	if m.IsDeleted {
		return Message{}, OpError{Op: "messaging.SoftDelete", Kind: ErrAlreadyDeleted}
	}

	at := now
	m.IsDeleted = true
	m.DeletedAt = &at
	m.UpdatedAt = now
	return *m, nil
}

// Edit replaces the body of a non-deleted message and marks it edited.
func (s *MemoryStore) Edit(ctx context.Context, id, newBody string, now time.Time) (Message, error) {
	if newBody == "" {
		return Message{}, OpError{Op: "messaging.Edit", Kind: ErrValidation, Msg: "empty body"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, OpError{Op: "messaging.Edit", Kind: ErrNotFound, Msg: "message"}
	}
	if m.IsDeleted {
		return Message{}, OpError{Op: "messaging.Edit", Kind: ErrAlreadyDeleted}
	}

	at := now
	m.Body = newBody
	m.IsEdited = true
	m.EditedAt = &at
	m.UpdatedAt = now
	return *m, nil
}

// UpdateTriage applies the non-nil triage fields to a non-deleted message.
func (s *MemoryStore) UpdateTriage(ctx context.Context, id string, update TriageUpdate, now time.Time) (Message, error) {
	if update.Empty() {
		return Message{}, OpError{Op: "messaging.UpdateTriage", Kind: ErrNoOp}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return Message{}, OpError{Op: "messaging.UpdateTriage", Kind: ErrNotFound, Msg: "message"}
	}
	if m.IsDeleted {
		return Message{}, OpError{Op: "messaging.UpdateTriage", Kind: ErrAlreadyDeleted}
	}

	if update.Status != nil {
		m.Status = *update.Status
	}
	if update.Priority != nil {
		m.Priority = *update.Priority
	}
	if update.Category != nil {
		m.Category = *update.Category
	}
	m.UpdatedAt = now
	return *m, nil
}

// Search matches a case-insensitive substring over non-deleted bodies in
// the user's own conversations, most recent first.
func (s *MemoryStore) Search(ctx context.Context, in SearchInput) (ListResult, error) {
	page, pageSize := NormalizePage(in.Page, in.PageSize)
	term := strings.ToLower(in.Term)

	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	s.mu.Lock()
	matches := make([]Message, 0, 32)
	for _, m := range s.all {
		if m.IsDeleted || (m.SenderID != in.UserID && m.RecipientID != in.UserID) {
			continue
		}
		if in.PartnerID != "" && m.PartnerOf(in.UserID) != in.PartnerID {
			continue
		}
		if !strings.Contains(strings.ToLower(m.Body), term) {
			continue
		}
		matches = append(matches, *m)
	}
	s.mu.Unlock()

	sortMessages(matches, SortDesc)
	return ListResult{Messages: pageOf(matches, page, pageSize), Total: int64(len(matches))}, nil
}

// UnreadCount counts non-deleted unread messages addressed to the user.
func (s *MemoryStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.all {
		if !m.IsDeleted && m.RecipientID == userID && m.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

// UnreadFrom counts non-deleted unread messages from partnerID to recipientID.
func (s *MemoryStore) UnreadFrom(ctx context.Context, recipientID, partnerID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.all {
		if !m.IsDeleted && m.RecipientID == recipientID && m.SenderID == partnerID && m.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

// ---- helpers ----

func (s *MemoryStore) snapshotBetween(userA, userB string) []Message {
	out := make([]Message, 0, 64)
	for _, m := range s.all {
		if m.IsDeleted {
			continue
		}
		if (m.SenderID == userA && m.RecipientID == userB) ||
			(m.SenderID == userB && m.RecipientID == userA) {
			out = append(out, *m)
		}
	}
	return out
}

func sortMessages(msgs []Message, order SortOrder) {
	asc := order != SortDesc
	sort.Slice(msgs, func(i, j int) bool {
		if asc {
			return msgs[i].Less(msgs[j])
		}
		return msgs[j].Less(msgs[i])
	})
}

func pageOf(msgs []Message, page, pageSize int) []Message {
	start := (page - 1) * pageSize
	if start >= len(msgs) {
		return nil
	}
	end := start + pageSize
	if end > len(msgs) {
		end = len(msgs)
	}
	return msgs[start:end]
}

func defaultKind(k Kind) Kind {
	if k == "" {
		return KindText
	}
	return k
}

func defaultCategory(c SupportCategory) SupportCategory {
	if c == "" {
		return CategoryGeneral
	}
	return c
}

func defaultPriority(p Priority) Priority {
	if p == "" {
		return PriorityMedium
	}
	return p
}
