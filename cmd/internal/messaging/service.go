package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"harbor/cmd/internal/identity"
)

// Notifier receives state-change events after a successful write so live
// channels can be nudged. Delivery is best-effort: implementations must not
// block and the service never fails an operation on a notifier outcome —
// persisted state is the sole source of truth.
type Notifier interface {
	// MessageCreated fires after a message is persisted.
	MessageCreated(msg Message)
	// ConversationRead fires after markAsRead changed at least one row.
	// partnerID is the user whose sent messages were read.
	ConversationRead(partnerID, readerID string, modified int64, at time.Time)
	// MessageDeleted fires after a soft delete.
	MessageDeleted(msg Message, actorID string)
	// MessageUpdated fires after an edit or triage change.
	MessageUpdated(msg Message)
}

// NopNotifier discards all events. Used in tests and request-only deployments.
type NopNotifier struct{}

func (NopNotifier) MessageCreated(Message)                            {}
func (NopNotifier) ConversationRead(string, string, int64, time.Time) {}
func (NopNotifier) MessageDeleted(Message, string)                    {}
func (NopNotifier) MessageUpdated(Message)                            {}

// Pagination is the metadata attached to every paged result. HasNext and
// HasPrev derive from the total count, not from the page actually returned.
type Pagination struct {
	Page       int
	PageSize   int
	Total      int64
	TotalPages int64
	HasNext    bool
	HasPrev    bool
}

func newPagination(page, pageSize int, total int64) Pagination {
	pages := total / int64(pageSize)
	if total%int64(pageSize) != 0 {
		pages++
	}
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
		HasNext:    int64(page) < pages,
		HasPrev:    page > 1 && total > 0,
	}
}

// SendOptions are the optional attributes of a send request. Zero values
// fall back to the defaults (text / general / medium).
type SendOptions struct {
	Kind     Kind
	Category SupportCategory
	Priority Priority
}

// Service is the conversation business logic built on Store. It is pure with
// respect to transport: both the request/response surface and the realtime
// gateway call the same methods.
type Service struct {
	log      *slog.Logger
	store    Store
	users    identity.Directory
	limiter  *RateLimiter
	notifier Notifier
}

// NewService wires the service. A nil notifier falls back to NopNotifier.
func NewService(log *slog.Logger, store Store, users identity.Directory, limiter *RateLimiter, notifier Notifier) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		log:      log,
		store:    store,
		users:    users,
		limiter:  limiter,
		notifier: notifier,
	}
}

// SendMessage validates, rate-limits, persists, and then notifies the
// recipient's live channels. Push is a side effect: delivery is attempted,
// never guaranteed, and never part of the success contract.
func (s *Service) SendMessage(ctx context.Context, senderID, recipientID, body string, opts SendOptions) (Message, error) {
	const op = "messaging.SendMessage"

	senderID = strings.TrimSpace(senderID)
	recipientID = strings.TrimSpace(recipientID)
	if senderID == "" || recipientID == "" {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "missing sender or recipient"}
	}
	if senderID == recipientID {
		return Message{}, OpError{Op: op, Kind: ErrSelfMessage}
	}

	body, ok := NormalizeBody(body)
	if !ok {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "body must be 1-2000 characters"}
	}
	if opts.Kind != "" && !opts.Kind.Valid() {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "bad kind"}
	}
	if opts.Category != "" && !opts.Category.Valid() {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "bad category"}
	}
	if opts.Priority != "" && !opts.Priority.Valid() {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "bad priority"}
	}

	sender, err := s.lookup(ctx, op, senderID, "sender")
	if err != nil {
		return Message{}, err
	}
	if _, err := s.lookup(ctx, op, recipientID, "recipient"); err != nil {
		return Message{}, err
	}

	now := time.Now().UTC()

	// Rate limit before any write.
	if s.limiter != nil {
		if allowed, retryAfter := s.limiter.Allow(senderID, now); !allowed {
			s.log.Info("message.send.rate_limited", "sender_id", senderID, "retry_after", retryAfter)
			return Message{}, RateLimitedError{RetryAfter: retryAfter}
		}
	}

	msg, err := s.store.Create(ctx, CreateInput{
		SenderID:          senderID,
		RecipientID:       recipientID,
		SenderDisplayName: TruncateDisplayName(sender.DisplayName),
		Body:              body,
		Kind:              opts.Kind,
		Category:          opts.Category,
		Priority:          opts.Priority,
		Now:               now,
	})
	if err != nil {
		return Message{}, err
	}

	s.log.Info("message.send.ok", "message_id", msg.ID, "sender_id", senderID, "recipient_id", recipientID)
	s.notifier.MessageCreated(msg)
	return msg, nil
}

// GetConversation returns one page of the history between two users in the
// requested order (default: oldest first, the canonical replay order).
func (s *Service) GetConversation(ctx context.Context, userA, userB string, page, pageSize int, order SortOrder) ([]Message, Pagination, error) {
	const op = "messaging.GetConversation"

	if _, err := s.lookup(ctx, op, userA, "user"); err != nil {
		return nil, Pagination{}, err
	}
	if _, err := s.lookup(ctx, op, userB, "partner"); err != nil {
		return nil, Pagination{}, err
	}

	page, pageSize = NormalizePage(page, pageSize)
	if order != SortDesc {
		order = SortAsc
	}

	res, err := s.store.ListBetween(ctx, ListBetweenInput{
		UserA:    userA,
		UserB:    userB,
		Page:     page,
		PageSize: pageSize,
		Order:    order,
	})
	if err != nil {
		return nil, Pagination{}, err
	}
	return res.Messages, newPagination(page, pageSize, res.Total), nil
}

// ListConversations returns one entry per distinct partner, each with the
// last message and unread count, sorted by unread count then recency.
func (s *Service) ListConversations(ctx context.Context, userID string, page, pageSize int) ([]ConversationSummary, Pagination, error) {
	const op = "messaging.ListConversations"

	if _, err := s.lookup(ctx, op, userID, "user"); err != nil {
		return nil, Pagination{}, err
	}

	page, pageSize = NormalizePage(page, pageSize)
	res, err := s.store.ListConversations(ctx, userID, page, pageSize)
	if err != nil {
		return nil, Pagination{}, err
	}
	return res.Conversations, newPagination(page, pageSize, res.Total), nil
}

// MarkAsRead stamps every unread message from partnerID to userID and
// returns the number of rows changed. Idempotent: a second call with nothing
// newly unread writes nothing and returns 0. The partner's live channels get
// a read receipt only when something actually changed.
func (s *Service) MarkAsRead(ctx context.Context, userID, partnerID string) (int64, error) {
	const op = "messaging.MarkAsRead"

	if _, err := s.lookup(ctx, op, userID, "user"); err != nil {
		return 0, err
	}
	if _, err := s.lookup(ctx, op, partnerID, "partner"); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	modified, err := s.store.SetReadBulk(ctx, userID, partnerID, now)
	if err != nil {
		return 0, err
	}

	if modified > 0 {
		s.log.Info("conversation.read", "user_id", userID, "partner_id", partnerID, "modified", modified)
		s.notifier.ConversationRead(partnerID, userID, modified, now)
	}
	return modified, nil
}

// DeleteMessage tombstones a message. Only the sender or an admin-capable
// actor may delete; deleting a tombstone fails with ErrAlreadyDeleted.
func (s *Service) DeleteMessage(ctx context.Context, messageID, actorID string) error {
	const op = "messaging.DeleteMessage"

	actor, err := s.lookup(ctx, op, actorID, "actor")
	if err != nil {
		return err
	}

	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != actor.ID && !identity.CanModerate(actor) {
		return OpError{Op: op, Kind: ErrUnauthorized, Msg: "not sender or moderator"}
	}

	// The store re-checks the tombstone under its per-message serialization,
	// so a concurrent delete surfaces here as ErrAlreadyDeleted instead of
	// silently winning or losing.
	deleted, err := s.store.SoftDelete(ctx, messageID, time.Now().UTC())
	if err != nil {
		return err
	}

	s.log.Info("message.delete.ok", "message_id", messageID, "actor_id", actorID)
	s.notifier.MessageDeleted(deleted, actorID)
	return nil
}

// EditMessage replaces a message body. The rule is deliberately asymmetric:
// the actor must be the original sender AND hold moderate capability, so
// member-authored messages are never editable, only deletable.
func (s *Service) EditMessage(ctx context.Context, messageID, actorID, newBody string) (Message, error) {
	const op = "messaging.EditMessage"

	actor, err := s.lookup(ctx, op, actorID, "actor")
	if err != nil {
		return Message{}, err
	}

	newBody, ok := NormalizeBody(newBody)
	if !ok {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "body must be 1-2000 characters"}
	}

	msg, err := s.store.Get(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if msg.SenderID != actor.ID || !identity.CanModerate(actor) {
		return Message{}, OpError{Op: op, Kind: ErrUnauthorized, Msg: "edit requires the moderating sender"}
	}

	updated, err := s.store.Edit(ctx, messageID, newBody, time.Now().UTC())
	if err != nil {
		return Message{}, err
	}

	s.log.Info("message.edit.ok", "message_id", messageID, "actor_id", actorID)
	s.notifier.MessageUpdated(updated)
	return updated, nil
}

// UpdateTriage mutates the support triage fields. Admin-capable actors only;
// an update carrying nothing to change fails with ErrNoOp.
func (s *Service) UpdateTriage(ctx context.Context, messageID, actorID string, update TriageUpdate) (Message, error) {
	const op = "messaging.UpdateTriage"

	actor, err := s.lookup(ctx, op, actorID, "actor")
	if err != nil {
		return Message{}, err
	}
	if !identity.CanModerate(actor) {
		return Message{}, OpError{Op: op, Kind: ErrUnauthorized, Msg: "triage requires moderate capability"}
	}
	if update.Empty() {
		return Message{}, OpError{Op: op, Kind: ErrNoOp}
	}
	if update.Status != nil && !update.Status.Valid() {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "bad status"}
	}
	if update.Priority != nil && !update.Priority.Valid() {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "bad priority"}
	}
	if update.Category != nil && !update.Category.Valid() {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "bad category"}
	}

	updated, err := s.store.UpdateTriage(ctx, messageID, update, time.Now().UTC())
	if err != nil {
		return Message{}, err
	}

	s.log.Info("message.triage.ok", "message_id", messageID, "actor_id", actorID)
	s.notifier.MessageUpdated(updated)
	return updated, nil
}

// Search matches a substring over non-deleted bodies scoped to the user's
// own conversations, optionally narrowed to one partner.
func (s *Service) Search(ctx context.Context, userID, term, partnerID string, page, pageSize int) ([]Message, Pagination, error) {
	const op = "messaging.Search"

	if _, err := s.lookup(ctx, op, userID, "user"); err != nil {
		return nil, Pagination{}, err
	}

	term = strings.TrimSpace(term)
	if term == "" {
		return nil, Pagination{}, OpError{Op: op, Kind: ErrValidation, Msg: "empty search term"}
	}

	page, pageSize = NormalizePage(page, pageSize)
	res, err := s.store.Search(ctx, SearchInput{
		UserID:    userID,
		Term:      term,
		PartnerID: strings.TrimSpace(partnerID),
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		return nil, Pagination{}, err
	}
	return res.Messages, newPagination(page, pageSize, res.Total), nil
}

// UnreadCount returns the user's total unread message count.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	const op = "messaging.UnreadCount"

	if _, err := s.lookup(ctx, op, userID, "user"); err != nil {
		return 0, err
	}
	return s.store.UnreadCount(ctx, userID)
}

// ConversationStatus returns the unread count and last message for the
// conversation with one partner. Used by the realtime status query.
func (s *Service) ConversationStatus(ctx context.Context, userID, partnerID string) (int64, *Message, error) {
	const op = "messaging.ConversationStatus"

	if _, err := s.lookup(ctx, op, userID, "user"); err != nil {
		return 0, nil, err
	}
	if _, err := s.lookup(ctx, op, partnerID, "partner"); err != nil {
		return 0, nil, err
	}

	res, err := s.store.ListBetween(ctx, ListBetweenInput{
		UserA:    userID,
		UserB:    partnerID,
		Page:     1,
		PageSize: 1,
		Order:    SortDesc,
	})
	if err != nil {
		return 0, nil, err
	}

	var last *Message
	if len(res.Messages) > 0 {
		m := res.Messages[0]
		last = &m
	}

	unread, err := s.store.UnreadFrom(ctx, userID, partnerID)
	if err != nil {
		return 0, nil, err
	}
	return unread, last, nil
}

// ListAdmins exposes the platform's admin-capable users for support routing.
func (s *Service) ListAdmins(ctx context.Context) ([]identity.User, error) {
	return s.users.ListAdmins(ctx)
}

// Moderator reports whether actorID resolves to an admin-capable user.
func (s *Service) Moderator(ctx context.Context, actorID string) (bool, error) {
	actor, err := s.users.Lookup(ctx, actorID)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownUser) {
			return false, nil
		}
		return false, err
	}
	return identity.CanModerate(actor), nil
}

func (s *Service) lookup(ctx context.Context, op, id, which string) (identity.User, error) {
	u, err := s.users.Lookup(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, identity.ErrUnknownUser) {
			return identity.User{}, OpError{Op: op, Kind: ErrNotFound, Msg: which}
		}
		return identity.User{}, err
	}
	return u, nil
}
