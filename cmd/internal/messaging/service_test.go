package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"harbor/cmd/internal/identity"
)

// recordingNotifier captures notifier events for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	created []Message
	reads   []string // "partner/reader/modified"
	deleted []string // message ids
	updated []string // message ids
}

func (n *recordingNotifier) MessageCreated(msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.created = append(n.created, msg)
}

func (n *recordingNotifier) ConversationRead(partnerID, readerID string, modified int64, _ time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reads = append(n.reads, partnerID+"/"+readerID)
	_ = modified
}

func (n *recordingNotifier) MessageDeleted(msg Message, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deleted = append(n.deleted, msg.ID)
}

func (n *recordingNotifier) MessageUpdated(msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updated = append(n.updated, msg.ID)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDirectory() *identity.MemoryDirectory {
	return identity.NewMemoryDirectory(
		identity.User{ID: "alice", DisplayName: "Alice", Role: identity.RoleMember},
		identity.User{ID: "bob", DisplayName: "Bob", Role: identity.RoleMember},
		identity.User{ID: "root", DisplayName: "Root", Role: identity.RoleAdmin},
	)
}

func newTestService(t *testing.T) (*Service, *recordingNotifier) {
	t.Helper()

	notifier := &recordingNotifier{}
	svc := NewService(testLogger(), NewMemoryStore(), testDirectory(), NewRateLimiter(100, time.Minute), notifier)
	return svc, notifier
}

func TestSendMessage_HappyPath(t *testing.T) {
	t.Parallel()

	svc, notifier := newTestService(t)
	ctx := context.Background()

	msg, err := svc.SendMessage(ctx, "alice", "bob", "  hello bob  ", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Body != "hello bob" {
		t.Fatalf("body not trimmed: %q", msg.Body)
	}
	if msg.SenderDisplayName != "Alice" {
		t.Fatalf("display name snapshot=%q want=Alice", msg.SenderDisplayName)
	}
	if msg.Kind != KindText || msg.Category != CategoryGeneral || msg.Priority != PriorityMedium || msg.Status != StatusOpen {
		t.Fatalf("defaults not applied: %+v", msg)
	}

	if len(notifier.created) != 1 || notifier.created[0].ID != msg.ID {
		t.Fatalf("recipient channel not notified")
	}
}

func TestSendMessage_Rejections(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		sender    string
		recipient string
		body      string
		wantKind  error
	}{
		{name: "self message", sender: "alice", recipient: "alice", body: "hi", wantKind: ErrSelfMessage},
		{name: "empty body", sender: "alice", recipient: "bob", body: "   ", wantKind: ErrValidation},
		{name: "unknown recipient", sender: "alice", recipient: "ghost", body: "hi", wantKind: ErrNotFound},
		{name: "unknown sender", sender: "ghost", recipient: "bob", body: "hi", wantKind: ErrNotFound},
		{name: "missing ids", sender: " ", recipient: "bob", body: "hi", wantKind: ErrValidation},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.SendMessage(ctx, tc.sender, tc.recipient, tc.body, SendOptions{})
			if !errors.Is(err, tc.wantKind) {
				t.Fatalf("want %v, got %v", tc.wantKind, err)
			}
		})
	}

	if _, err := svc.SendMessage(ctx, "alice", "bob", "hi", SendOptions{Kind: Kind("carrier-pigeon")}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad kind must fail validation, got %v", err)
	}
}

func TestSendMessage_RateLimited(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{}
	svc := NewService(testLogger(), NewMemoryStore(), testDirectory(), NewRateLimiter(2, time.Minute), notifier)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.SendMessage(ctx, "alice", "bob", "spam", SendOptions{}); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}

	_, err := svc.SendMessage(ctx, "alice", "bob", "spam", SendOptions{})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}

	var rl RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("error must carry a retry hint: %v", err)
	}
	if rl.RetryAfterSeconds() < 1 {
		t.Fatalf("retry hint must be at least 1s, got %d", rl.RetryAfterSeconds())
	}

	// The rejected send must not have been persisted or pushed.
	if len(notifier.created) != 2 {
		t.Fatalf("created events=%d want=2", len(notifier.created))
	}

	// The limiter binds the sender, not the platform: bob still sends.
	if _, err := svc.SendMessage(ctx, "bob", "alice", "unaffected", SendOptions{}); err != nil {
		t.Fatalf("bob send: %v", err)
	}
}

func TestMarkAsRead_IdempotentAndNotifiesOnce(t *testing.T) {
	t.Parallel()

	svc, notifier := newTestService(t)
	ctx := context.Background()

	if _, err := svc.SendMessage(ctx, "bob", "alice", "one", SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := svc.SendMessage(ctx, "bob", "alice", "two", SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	modified, err := svc.MarkAsRead(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if modified != 2 {
		t.Fatalf("modified=%d want=2", modified)
	}
	if len(notifier.reads) != 1 || notifier.reads[0] != "bob/alice" {
		t.Fatalf("read receipt events=%v want one bob/alice", notifier.reads)
	}

	// Second call: nothing unread, no receipt.
	modified, err = svc.MarkAsRead(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if modified != 0 {
		t.Fatalf("second modified=%d want=0", modified)
	}
	if len(notifier.reads) != 1 {
		t.Fatalf("no-op mark read must not emit a receipt")
	}

	n, err := svc.UnreadCount(ctx, "alice")
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if n != 0 {
		t.Fatalf("unread=%d want=0", n)
	}
}

func TestDeleteMessage_Permissions(t *testing.T) {
	t.Parallel()

	svc, notifier := newTestService(t)
	ctx := context.Background()

	msg, err := svc.SendMessage(ctx, "alice", "bob", "oops", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The recipient is neither sender nor moderator.
	if err := svc.DeleteMessage(ctx, msg.ID, "bob"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("recipient delete: want ErrUnauthorized, got %v", err)
	}

	// The sender may delete their own message.
	if err := svc.DeleteMessage(ctx, msg.ID, "alice"); err != nil {
		t.Fatalf("sender delete: %v", err)
	}
	if len(notifier.deleted) != 1 || notifier.deleted[0] != msg.ID {
		t.Fatalf("delete not pushed to channels")
	}

	// Deleting the tombstone again surfaces the conflict.
	if err := svc.DeleteMessage(ctx, msg.ID, "alice"); !errors.Is(err, ErrAlreadyDeleted) {
		t.Fatalf("double delete: want ErrAlreadyDeleted, got %v", err)
	}

	// Admins may delete messages they did not send.
	other, err := svc.SendMessage(ctx, "bob", "alice", "remove me", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := svc.DeleteMessage(ctx, other.ID, "root"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestEditMessage_RequiresModeratingSender(t *testing.T) {
	t.Parallel()

	svc, notifier := newTestService(t)
	ctx := context.Background()

	memberMsg, err := svc.SendMessage(ctx, "alice", "root", "typo", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// A member cannot edit even their own message.
	if _, err := svc.EditMessage(ctx, memberMsg.ID, "alice", "fixed"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("member self-edit: want ErrUnauthorized, got %v", err)
	}

	// An admin cannot edit someone else's message either.
	if _, err := svc.EditMessage(ctx, memberMsg.ID, "root", "rewritten"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("admin edit of member message: want ErrUnauthorized, got %v", err)
	}

	// Only the moderating sender edits.
	adminMsg, err := svc.SendMessage(ctx, "root", "alice", "typo in answer", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	edited, err := svc.EditMessage(ctx, adminMsg.ID, "root", "fixed answer")
	if err != nil {
		t.Fatalf("admin self-edit: %v", err)
	}
	if !edited.IsEdited || edited.EditedAt == nil || edited.Body != "fixed answer" {
		t.Fatalf("edit flags not set: %+v", edited)
	}
	if len(notifier.updated) == 0 || notifier.updated[len(notifier.updated)-1] != adminMsg.ID {
		t.Fatalf("edit not pushed to channels")
	}
}

func TestUpdateTriage(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	msg, err := svc.SendMessage(ctx, "alice", "root", "billing question", SendOptions{Category: CategoryBilling})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	status := StatusInProgress
	prio := PriorityHigh

	// Members cannot triage.
	if _, err := svc.UpdateTriage(ctx, msg.ID, "alice", TriageUpdate{Status: &status}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("member triage: want ErrUnauthorized, got %v", err)
	}

	// Empty update is a no-op error.
	if _, err := svc.UpdateTriage(ctx, msg.ID, "root", TriageUpdate{}); !errors.Is(err, ErrNoOp) {
		t.Fatalf("empty triage: want ErrNoOp, got %v", err)
	}

	// Bad enum is validation.
	bad := Status("escalated-to-mars")
	if _, err := svc.UpdateTriage(ctx, msg.ID, "root", TriageUpdate{Status: &bad}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad status: want ErrValidation, got %v", err)
	}

	updated, err := svc.UpdateTriage(ctx, msg.ID, "root", TriageUpdate{Status: &status, Priority: &prio})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if updated.Status != StatusInProgress || updated.Priority != PriorityHigh {
		t.Fatalf("triage not applied: %+v", updated)
	}
	if updated.Category != CategoryBilling {
		t.Fatalf("untouched field changed: %+v", updated)
	}
}

func TestGetConversation_DefaultOrderOldestFirst(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, body := range []string{"first", "second", "third"} {
		if _, err := svc.SendMessage(ctx, "alice", "bob", body, SendOptions{}); err != nil {
			t.Fatalf("send %q: %v", body, err)
		}
	}

	msgs, pg, err := svc.GetConversation(ctx, "alice", "bob", 1, 10, SortAsc)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Body != "first" || msgs[2].Body != "third" {
		t.Fatalf("default order must be oldest first: %+v", msgs)
	}
	if pg.Total != 3 || pg.TotalPages != 1 || pg.HasNext || pg.HasPrev {
		t.Fatalf("pagination meta wrong: %+v", pg)
	}

	desc, _, err := svc.GetConversation(ctx, "alice", "bob", 1, 10, SortDesc)
	if err != nil {
		t.Fatalf("get conversation desc: %v", err)
	}
	if desc[0].Body != "third" {
		t.Fatalf("descending order broken: %+v", desc)
	}
}

func TestConversationStatus(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	unread, last, err := svc.ConversationStatus(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("empty status: %v", err)
	}
	if unread != 0 || last != nil {
		t.Fatalf("empty conversation: unread=%d last=%v", unread, last)
	}

	if _, err := svc.SendMessage(ctx, "bob", "alice", "ping", SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	latest, err := svc.SendMessage(ctx, "bob", "alice", "ping again", SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	unread, last, err = svc.ConversationStatus(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if unread != 2 {
		t.Fatalf("unread=%d want=2", unread)
	}
	if last == nil || last.ID != latest.ID {
		t.Fatalf("last message mismatch: %+v", last)
	}

	// From bob's side nothing is unread.
	unread, _, err = svc.ConversationStatus(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if unread != 0 {
		t.Fatalf("bob unread=%d want=0", unread)
	}
}

func TestSearchRequiresTerm(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	if _, _, err := svc.Search(context.Background(), "alice", "   ", "", 1, 10); !errors.Is(err, ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestModeratorAndListAdmins(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t)
	ctx := context.Background()

	ok, err := svc.Moderator(ctx, "root")
	if err != nil || !ok {
		t.Fatalf("root must moderate: ok=%v err=%v", ok, err)
	}
	ok, err = svc.Moderator(ctx, "alice")
	if err != nil || ok {
		t.Fatalf("alice must not moderate: ok=%v err=%v", ok, err)
	}
	ok, err = svc.Moderator(ctx, "ghost")
	if err != nil || ok {
		t.Fatalf("unknown user must not moderate: ok=%v err=%v", ok, err)
	}

	admins, err := svc.ListAdmins(ctx)
	if err != nil {
		t.Fatalf("list admins: %v", err)
	}
	if len(admins) != 1 || admins[0].ID != "root" {
		t.Fatalf("admins=%+v want just root", admins)
	}
}
