package realtime

import (
	"testing"

	"harbor/cmd/internal/presence"
	v1 "harbor/shared/contracts/realtime/v1"
)

func authedClient(sessionID, userID string, queue int) *Client {
	c := NewClient(sessionID, queue)
	c.UserID = userID
	return c
}

func TestHub_AttachDetachSyncsPresence(t *testing.T) {
	t.Parallel()

	reg := presence.NewRegistry()
	hub := NewHub(discardLogger(), reg, nil)

	c1 := authedClient("s1", "alice", 4)
	c2 := authedClient("s2", "alice", 4)
	hub.Attach(c1)
	hub.Attach(c2)

	if !reg.IsOnline("alice") {
		t.Fatalf("alice offline after attach")
	}
	if n := reg.ConnectionCount("alice"); n != 2 {
		t.Fatalf("connections=%d want=2", n)
	}

	hub.Detach(c1)
	if !reg.IsOnline("alice") {
		t.Fatalf("alice must stay online while one session remains")
	}

	hub.Detach(c2)
	if reg.IsOnline("alice") {
		t.Fatalf("alice online after last detach")
	}
}

func TestHub_PushReachesAllSessions(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLogger(), nil, nil)

	c1 := authedClient("s1", "bob", 4)
	c2 := authedClient("s2", "bob", 4)
	hub.Attach(c1)
	hub.Attach(c2)

	hub.Push("bob", testEnvelope(t, v1.TypeMessageNew))

	for _, c := range []*Client{c1, c2} {
		select {
		case env := <-c.Send:
			if env.Type != v1.TypeMessageNew {
				t.Fatalf("type=%q", env.Type)
			}
		default:
			t.Fatalf("session %s missed the push", c.SessionID)
		}
	}
}

func TestHub_PushToOfflineUserIsSilent(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLogger(), nil, nil)

	// No channel exists; this must not panic or block.
	hub.Push("ghost", testEnvelope(t, v1.TypeMessageNew))
	hub.Push("", testEnvelope(t, v1.TypeMessageNew))
}

func TestHub_DetachedSessionStopsReceiving(t *testing.T) {
	t.Parallel()

	hub := NewHub(discardLogger(), nil, nil)

	c := authedClient("s1", "carol", 4)
	hub.Attach(c)
	hub.Detach(c)

	hub.Push("carol", testEnvelope(t, v1.TypeMessageNew))

	select {
	case env := <-c.Send:
		t.Fatalf("detached session received %q", env.Type)
	default:
	}
}

func TestHub_AttachIgnoresUnauthenticatedClient(t *testing.T) {
	t.Parallel()

	reg := presence.NewRegistry()
	hub := NewHub(discardLogger(), reg, nil)

	hub.Attach(NewClient("s1", 4)) // no UserID yet
	hub.Attach(nil)

	if got := reg.OnlineUsers(); len(got) != 0 {
		t.Fatalf("unauthenticated attach leaked into presence: %v", got)
	}
}
