package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Mutations on a single message (soft delete, edit, triage) take a
//     per-message transactional advisory lock and re-check the tombstone
//     inside the transaction, so concurrent mutations on the same id resolve
//     deterministically instead of silently losing state.
//   - SetReadBulk needs no lock: it is one unconditional bulk UPDATE over
//     rows where read_at IS NULL, idempotent under any interleaving.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "harbor").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "harbor",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, sender_id, recipient_id, sender_display_name, body,
	kind, category, priority, status,
	read_at, is_deleted, deleted_at, is_edited, edited_at,
	created_at, updated_at`

// Create persists a new message, assigning id and timestamps server-side.
func (s *PostgresStore) Create(ctx context.Context, in CreateInput) (Message, error) {
	const op = "messaging.Create"

	if in.SenderID == "" || in.RecipientID == "" || in.Body == "" {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "missing required field"}
	}
	if in.SenderID == in.RecipientID {
		return Message{}, OpError{Op: op, Kind: ErrSelfMessage}
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewMessageID(now)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
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

	messages := s.table("messages")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, sender_id, recipient_id, sender_display_name, body,
		     kind, category, priority, status, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		msg.ID, msg.SenderID, msg.RecipientID, msg.SenderDisplayName, msg.Body,
		msg.Kind, msg.Category, msg.Priority, msg.Status, now,
	); err != nil {
		return Message{}, storeErr(op, err)
	}

	return msg, nil
}

// Get returns a message by id, including tombstones.
func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	const op = "messaging.Get"

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	messages := s.table("messages")
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, OpError{Op: op, Kind: ErrNotFound, Msg: "message"}
	}
	if err != nil {
		return Message{}, storeErr(op, err)
	}
	return m, nil
}

// ListBetween returns one page of the conversation between two users plus
// the total non-deleted count, ordered by the total (created_at, id)
// comparator so paging never duplicates rows when timestamps collide.
func (s *PostgresStore) ListBetween(ctx context.Context, in ListBetweenInput) (ListResult, error) {
	const op = "messaging.ListBetween"

	page, pageSize := NormalizePage(in.Page, in.PageSize)
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	messages := s.table("messages")
	where := ` WHERE NOT is_deleted
	    AND ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))`

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+messages+where, in.UserA, in.UserB,
	).Scan(&total); err != nil {
		return ListResult{}, storeErr(op, err)
	}

	dir := "ASC"
	if in.Order == SortDesc {
		dir = "DESC"
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+messages+where+`
		  ORDER BY created_at `+dir+`, id `+dir+`
		  LIMIT $3 OFFSET $4`,
		in.UserA, in.UserB, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return ListResult{}, storeErr(op, err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows, pageSize)
	if err != nil {
		return ListResult{}, storeErr(op, err)
	}
	return ListResult{Messages: msgs, Total: total}, nil
}

// ListConversations groups the user's non-deleted messages by partner,
// keeping the most recent message per partner and the unread count, sorted
// by unread count descending then last-message recency descending.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string, page, pageSize int) (ConversationsResult, error) {
	const op = "messaging.ListConversations"

	page, pageSize = NormalizePage(page, pageSize)
	if err := ctx.Err(); err != nil {
		return ConversationsResult{}, err
	}

	messages := s.table("messages")

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(DISTINCT CASE WHEN sender_id = $1 THEN recipient_id ELSE sender_id END)
		   FROM `+messages+`
		  WHERE NOT is_deleted AND (sender_id = $1 OR recipient_id = $1)`,
		userID,
	).Scan(&total); err != nil {
		return ConversationsResult{}, storeErr(op, err)
	}

	rows, err := s.pool.Query(ctx, `
		WITH touching AS (
		    SELECT m.*,
		           CASE WHEN m.sender_id = $1 THEN m.recipient_id ELSE m.sender_id END AS partner_id
		      FROM `+messages+` m
		     WHERE NOT m.is_deleted AND (m.sender_id = $1 OR m.recipient_id = $1)
		), last AS (
		    SELECT t.*,
		           row_number() OVER (PARTITION BY t.partner_id ORDER BY t.created_at DESC, t.id DESC) AS rn
		      FROM touching t
		), unread AS (
		    SELECT sender_id AS partner_id, count(*) AS unread_count
		      FROM `+messages+`
		     WHERE NOT is_deleted AND recipient_id = $1 AND read_at IS NULL
		     GROUP BY sender_id
		)
		SELECT l.partner_id, COALESCE(u.unread_count, 0),
		       l.id, l.sender_id, l.recipient_id, l.sender_display_name, l.body,
		       l.kind, l.category, l.priority, l.status,
		       l.read_at, l.is_deleted, l.deleted_at, l.is_edited, l.edited_at,
		       l.created_at, l.updated_at
		  FROM last l
		  LEFT JOIN unread u ON u.partner_id = l.partner_id
		 WHERE l.rn = 1
		 ORDER BY COALESCE(u.unread_count, 0) DESC, l.created_at DESC, l.id DESC
		 LIMIT $2 OFFSET $3`,
		userID, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return ConversationsResult{}, storeErr(op, err)
	}
	defer rows.Close()

	out := make([]ConversationSummary, 0, pageSize)
	for rows.Next() {
		var c ConversationSummary
		m := &c.LastMessage
		if err := rows.Scan(
			&c.PartnerID, &c.UnreadCount,
			&m.ID, &m.SenderID, &m.RecipientID, &m.SenderDisplayName, &m.Body,
			&m.Kind, &m.Category, &m.Priority, &m.Status,
			&m.ReadAt, &m.IsDeleted, &m.DeletedAt, &m.IsEdited, &m.EditedAt,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return ConversationsResult{}, storeErr(op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return ConversationsResult{}, storeErr(op, err)
	}
	return ConversationsResult{Conversations: out, Total: total}, nil
}

// SetReadBulk stamps read_at on every currently-unread message from
// partnerID to recipientID. The read_at IS NULL predicate makes the write
// both idempotent and write-once.
func (s *PostgresStore) SetReadBulk(ctx context.Context, recipientID, partnerID string, now time.Time) (int64, error) {
	const op = "messaging.SetReadBulk"

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	messages := s.table("messages")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+messages+`
		    SET read_at = $3, updated_at = $3
		  WHERE recipient_id = $1 AND sender_id = $2
		    AND NOT is_deleted AND read_at IS NULL`,
		recipientID, partnerID, now,
	)
	if err != nil {
		return 0, storeErr(op, err)
	}
	return tag.RowsAffected(), nil
}

// SoftDelete tombstones a message. Deleting a tombstone is an error.
func (s *PostgresStore) SoftDelete(ctx context.Context, id string, now time.Time) (Message, error) {
	const op = "messaging.SoftDelete"
	return s.mutate(ctx, op, id, now, func(m *Message, at time.Time) {
		m.IsDeleted = true
		m.DeletedAt = &at
	}, `is_deleted = true, deleted_at = $2`)
}

// Edit replaces the body of a non-deleted message and marks it edited.
func (s *PostgresStore) Edit(ctx context.Context, id, newBody string, now time.Time) (Message, error) {
	const op = "messaging.Edit"
	if newBody == "" {
		return Message{}, OpError{Op: op, Kind: ErrValidation, Msg: "empty body"}
	}
	return s.mutate(ctx, op, id, now, func(m *Message, at time.Time) {
		m.Body = newBody
		m.IsEdited = true
		m.EditedAt = &at
	}, `body = $3, is_edited = true, edited_at = $2`, newBody)
}

// UpdateTriage applies the non-nil triage fields to a non-deleted message.
func (s *PostgresStore) UpdateTriage(ctx context.Context, id string, update TriageUpdate, now time.Time) (Message, error) {
	const op = "messaging.UpdateTriage"
	if update.Empty() {
		return Message{}, OpError{Op: op, Kind: ErrNoOp}
	}

	set := make([]string, 0, 3)
	args := make([]any, 0, 3)
	next := 3 // $1 = id, $2 = now
	if update.Status != nil {
		set = append(set, fmt.Sprintf("status = $%d", next))
		args = append(args, *update.Status)
		next++
	}
	if update.Priority != nil {
		set = append(set, fmt.Sprintf("priority = $%d", next))
		args = append(args, *update.Priority)
		next++
	}
	if update.Category != nil {
		set = append(set, fmt.Sprintf("category = $%d", next))
		args = append(args, *update.Category)
		next++
	}

	return s.mutate(ctx, op, id, now, func(m *Message, _ time.Time) {
		if update.Status != nil {
			m.Status = *update.Status
		}
		if update.Priority != nil {
			m.Priority = *update.Priority
		}
		if update.Category != nil {
			m.Category = *update.Category
		}
	}, strings.Join(set, ", "), args...)
}

// mutate runs a guarded single-message update inside a transaction holding
// the per-message advisory lock. The tombstone re-check happens after the
// lock is acquired, so racing mutations on the same id serialize and the
// loser sees ErrAlreadyDeleted rather than clobbering state.
func (s *PostgresStore) mutate(
	ctx context.Context,
	op, id string,
	now time.Time,
	apply func(*Message, time.Time),
	setClause string,
	extraArgs ...any,
) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Message{}, storeErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
		return Message{}, storeErr(op, fmt.Errorf("advisory lock: %w", err))
	}

	messages := s.table("messages")
	m, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, OpError{Op: op, Kind: ErrNotFound, Msg: "message"}
	}
	if err != nil {
		return Message{}, storeErr(op, err)
	}
	if m.IsDeleted {
		return Message{}, OpError{Op: op, Kind: ErrAlreadyDeleted}
	}

	args := append([]any{id, now}, extraArgs...)
	if _, err := tx.Exec(ctx,
		`UPDATE `+messages+` SET `+setClause+`, updated_at = $2 WHERE id = $1`,
		args...,
	); err != nil {
		return Message{}, storeErr(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, storeErr(op, err)
	}

	apply(&m, now)
	m.UpdatedAt = now
	return m, nil
}

// Search matches a case-insensitive substring over non-deleted bodies in
// the user's own conversations, most recent first.
func (s *PostgresStore) Search(ctx context.Context, in SearchInput) (ListResult, error) {
	const op = "messaging.Search"

	page, pageSize := NormalizePage(in.Page, in.PageSize)
	if err := ctx.Err(); err != nil {
		return ListResult{}, err
	}

	messages := s.table("messages")
	pattern := "%" + escapeLike(in.Term) + "%"

	where := ` WHERE NOT is_deleted
	    AND (sender_id = $1 OR recipient_id = $1)
	    AND body ILIKE $2`
	args := []any{in.UserID, pattern}
	if in.PartnerID != "" {
		where += ` AND (sender_id = $3 OR recipient_id = $3)`
		args = append(args, in.PartnerID)
	}

	var total int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+messages+where, args...,
	).Scan(&total); err != nil {
		return ListResult{}, storeErr(op, err)
	}

	limitPos := len(args) + 1
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+messages+where+
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, limitPos, limitPos+1),
		args...,
	)
	if err != nil {
		return ListResult{}, storeErr(op, err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows, pageSize)
	if err != nil {
		return ListResult{}, storeErr(op, err)
	}
	return ListResult{Messages: msgs, Total: total}, nil
}

// UnreadCount counts non-deleted unread messages addressed to the user.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int64, error) {
	const op = "messaging.UnreadCount"

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := s.table("messages")
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+messages+`
		  WHERE NOT is_deleted AND recipient_id = $1 AND read_at IS NULL`,
		userID,
	).Scan(&n); err != nil {
		return 0, storeErr(op, err)
	}
	return n, nil
}

// UnreadFrom counts non-deleted unread messages from partnerID to recipientID.
func (s *PostgresStore) UnreadFrom(ctx context.Context, recipientID, partnerID string) (int64, error) {
	const op = "messaging.UnreadFrom"

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	messages := s.table("messages")
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+messages+`
		  WHERE NOT is_deleted AND recipient_id = $1 AND sender_id = $2 AND read_at IS NULL`,
		recipientID, partnerID,
	).Scan(&n); err != nil {
		return 0, storeErr(op, err)
	}
	return n, nil
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.SenderID, &m.RecipientID, &m.SenderDisplayName, &m.Body,
		&m.Kind, &m.Category, &m.Priority, &m.Status,
		&m.ReadAt, &m.IsDeleted, &m.DeletedAt, &m.IsEdited, &m.EditedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

func collectMessages(rows pgx.Rows, capHint int) ([]Message, error) {
	out := make([]Message, 0, capHint)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// storeErr wraps backend failures as ErrUnavailable so callers can tell
// recoverable input errors from persistence loss. Context errors pass through.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return OpError{Op: op, Kind: ErrUnavailable, Msg: err.Error()}
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func (s *PostgresStore) table(name string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{s.schema, name}.Sanitize()
}
