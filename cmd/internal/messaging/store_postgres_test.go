package messaging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// These tests hit a real PostgreSQL. They are skipped unless
// HARBOR_TEST_DATABASE_URL points at a disposable database.

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("HARBOR_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("integration test skipped: HARBOR_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}

	t.Cleanup(pool.Close)
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	var raw [6]byte
	if _, err := rand.Read(raw[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	schema := "harbor_it_" + hex.EncodeToString(raw[:])
	quoted := pgx.Identifier{schema}.Sanitize()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+quoted); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA `+quoted+` CASCADE`)
	})

	table := pgx.Identifier{schema, "messages"}.Sanitize()
	if _, err := pool.Exec(ctx, `CREATE TABLE `+table+` (
		id                  text PRIMARY KEY,
		sender_id           text NOT NULL,
		recipient_id        text NOT NULL,
		sender_display_name text NOT NULL DEFAULT '',
		body                text NOT NULL,
		kind                text NOT NULL,
		category            text NOT NULL,
		priority            text NOT NULL,
		status              text NOT NULL,
		read_at             timestamptz,
		is_deleted          boolean NOT NULL DEFAULT false,
		deleted_at          timestamptz,
		is_edited           boolean NOT NULL DEFAULT false,
		edited_at           timestamptz,
		created_at          timestamptz NOT NULL,
		updated_at          timestamptz NOT NULL,
		CHECK (sender_id <> recipient_id)
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	return schema
}

func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()

	pool := mustOpenTestPool(t)
	schema := mustCreateTestSchema(t, pool)

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return st
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	created, err := st.Create(ctx, CreateInput{
		SenderID:          "alice",
		RecipientID:       "bob",
		SenderDisplayName: "Alice",
		Body:              "hello",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Body != "hello" || got.Kind != KindText || got.Status != StatusOpen {
		t.Fatalf("record mismatch: %+v", got)
	}
	if got.ReadAt != nil || got.IsDeleted || got.IsEdited {
		t.Fatalf("fresh message carries state: %+v", got)
	}

	if _, err := st.Get(ctx, "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_SetReadBulkWriteOnce(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := st.Create(ctx, CreateInput{SenderID: "bob", RecipientID: "alice", Body: "ping"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, m.ID)
	}

	first := time.Now().UTC().Truncate(time.Microsecond)
	modified, err := st.SetReadBulk(ctx, "alice", "bob", first)
	if err != nil {
		t.Fatalf("set read: %v", err)
	}
	if modified != 3 {
		t.Fatalf("modified=%d want=3", modified)
	}

	// Second pass must not move any stamp.
	modified, err = st.SetReadBulk(ctx, "alice", "bob", first.Add(time.Hour))
	if err != nil {
		t.Fatalf("second set read: %v", err)
	}
	if modified != 0 {
		t.Fatalf("second modified=%d want=0", modified)
	}

	got, err := st.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ReadAt == nil || !got.ReadAt.Equal(first) {
		t.Fatalf("read_at moved: %v want %v", got.ReadAt, first)
	}
}

func TestPostgresStore_MutationsOnTombstone(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	m, err := st.Create(ctx, CreateInput{SenderID: "alice", RecipientID: "bob", Body: "doomed"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deleted, err := st.SoftDelete(ctx, m.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if !deleted.IsDeleted || deleted.DeletedAt == nil {
		t.Fatalf("tombstone flags missing: %+v", deleted)
	}

	if _, err := st.SoftDelete(ctx, m.ID, time.Now().UTC()); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("double delete: want ErrAlreadyDeleted, got %v", err)
	}
	if _, err := st.Edit(ctx, m.ID, "resurrected", time.Now().UTC()); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("edit tombstone: want ErrAlreadyDeleted, got %v", err)
	}
	s := StatusResolved
	if _, err := st.UpdateTriage(ctx, m.ID, TriageUpdate{Status: &s}, time.Now().UTC()); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("triage tombstone: want ErrAlreadyDeleted, got %v", err)
	}

	// The tombstone stays fetchable but vanishes from listings.
	if _, err := st.Get(ctx, m.ID); err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	res, err := st.ListBetween(ctx, ListBetweenInput{UserA: "alice", UserB: "bob", Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 0 || len(res.Messages) != 0 {
		t.Fatalf("tombstone leaked into listing: %+v", res)
	}
}

func TestPostgresStore_ListBetweenStablePaging(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	// One shared timestamp forces the id tie-break to carry the whole order.
	now := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		if _, err := st.Create(ctx, CreateInput{SenderID: "alice", RecipientID: "bob", Body: "x", Now: now}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	seen := make(map[string]bool)
	var prev string
	for page := 1; page <= 3; page++ {
		res, err := st.ListBetween(ctx, ListBetweenInput{UserA: "bob", UserB: "alice", Page: page, PageSize: 2})
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		if res.Total != 5 {
			t.Fatalf("total=%d want=5", res.Total)
		}
		for _, m := range res.Messages {
			if seen[m.ID] {
				t.Fatalf("duplicate id %s across pages", m.ID)
			}
			if prev != "" && m.ID <= prev {
				t.Fatalf("order broke: %s after %s", m.ID, prev)
			}
			seen[m.ID] = true
			prev = m.ID
		}
	}
	if len(seen) != 5 {
		t.Fatalf("rows seen=%d want=5", len(seen))
	}
}

func TestPostgresStore_SearchEscapesLikeMeta(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	for _, body := range []string{"100% genuine", "100x genuine", "plain"} {
		if _, err := st.Create(ctx, CreateInput{SenderID: "alice", RecipientID: "bob", Body: body}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	res, err := st.Search(ctx, SearchInput{UserID: "alice", Term: "100%", Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Total != 1 || len(res.Messages) != 1 || res.Messages[0].Body != "100% genuine" {
		t.Fatalf("%% must match literally: %+v", res)
	}

	// A user outside the conversation sees nothing.
	res, err = st.Search(ctx, SearchInput{UserID: "mallory", Term: "genuine", Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Total != 0 {
		t.Fatalf("search leaked across conversations: %+v", res)
	}
}

func TestPostgresStore_ListConversationsOrdering(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)

	// bob: 2 unread. carol: read. dave: 1 unread, most recent overall.
	for i := 0; i < 2; i++ {
		if _, err := st.Create(ctx, CreateInput{SenderID: "bob", RecipientID: "alice", Body: "b", Now: base}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := st.Create(ctx, CreateInput{SenderID: "carol", RecipientID: "alice", Body: "c", Now: base.Add(time.Second)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.SetReadBulk(ctx, "alice", "carol", base.Add(2*time.Second)); err != nil {
		t.Fatalf("set read: %v", err)
	}
	if _, err := st.Create(ctx, CreateInput{SenderID: "dave", RecipientID: "alice", Body: "d", Now: base.Add(3 * time.Second)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := st.ListConversations(ctx, "alice", 1, 10)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if res.Total != 3 || len(res.Conversations) != 3 {
		t.Fatalf("conversations=%d total=%d want 3/3", len(res.Conversations), res.Total)
	}

	got := []string{res.Conversations[0].PartnerID, res.Conversations[1].PartnerID, res.Conversations[2].PartnerID}
	want := []string{"bob", "dave", "carol"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order=%v want=%v", got, want)
		}
	}
	if res.Conversations[0].UnreadCount != 2 {
		t.Fatalf("bob unread=%d want=2", res.Conversations[0].UnreadCount)
	}
}
