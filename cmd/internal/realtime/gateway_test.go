package realtime

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"harbor/cmd/internal/messaging"
	"harbor/cmd/internal/presence"
	v1 "harbor/shared/contracts/realtime/v1"
)

func TestGatewayConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	c := GatewayConfig{}.withDefaults()
	if c.SendQueueSize != defaultSendQueueSize {
		t.Fatalf("SendQueueSize=%d want=%d", c.SendQueueSize, defaultSendQueueSize)
	}
	if c.HelloTimeout != defaultHelloTimeout || c.WriteTimeout != defaultWriteTimeout {
		t.Fatalf("timeouts not defaulted: %+v", c)
	}
	if c.HeartbeatInterval != defaultHeartbeatInterval || c.ReadIdleTimeout != defaultReadIdle {
		t.Fatalf("intervals not defaulted: %+v", c)
	}
	if c.ConnRateEvents != defaultConnRateEvents || c.ConnRateWindow != defaultConnRateWindow {
		t.Fatalf("conn rate not defaulted: %+v", c)
	}

	// A queue below the floor falls back to the default rather than staying tiny.
	c = GatewayConfig{SendQueueSize: minSendQueueSize - 1}.withDefaults()
	if c.SendQueueSize != defaultSendQueueSize {
		t.Fatalf("tiny queue not defaulted: %d", c.SendQueueSize)
	}

	c = GatewayConfig{SendQueueSize: 128, HelloTimeout: time.Second}.withDefaults()
	if c.SendQueueSize != 128 || c.HelloTimeout != time.Second {
		t.Fatalf("explicit values overridden: %+v", c)
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "https://app.example.com", want: "app.example.com"},
		{in: "https://App.Example.Com:8443", want: "app.example.com"},
		{in: "http://localhost:3000", want: "localhost"},
		{in: "localhost:3000", want: "localhost"},
		{in: "example.com", want: "example.com"},
		{in: "  https://spaced.example.com  ", want: "spaced.example.com"},
		{in: "", want: ""},
		{in: "http://", want: ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatterns([]string{
		"https://app.example.com",
		"http://app.example.com:8080", // same host, deduplicated
		"http://localhost:3000",
		"*", // wildcard never becomes a pattern
		"",
	})

	want := []string{"app.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	newGW := func(required bool, allowed []string) *Gateway {
		return NewGateway(discardLogger(), NewHub(discardLogger(), nil, nil), nil, nil, nil, GatewayConfig{
			OriginRequired: required,
			AllowedOrigins: allowed,
		})
	}

	cases := []struct {
		name    string
		gw      *Gateway
		origin  string
		wantErr bool
	}{
		{name: "allowed full origin", gw: newGW(true, []string{"https://app.example.com"}), origin: "https://app.example.com"},
		{name: "allowed by host despite port", gw: newGW(true, []string{"https://app.example.com"}), origin: "https://app.example.com:8443"},
		{name: "wildcard entry", gw: newGW(true, []string{"*"}), origin: "https://anything.example.org"},
		{name: "missing origin required", gw: newGW(true, []string{"https://app.example.com"}), origin: "", wantErr: true},
		{name: "missing origin optional", gw: newGW(false, []string{"https://app.example.com"}), origin: ""},
		{name: "unknown origin", gw: newGW(true, []string{"https://app.example.com"}), origin: "https://evil.example.org", wantErr: true},
		{name: "origin with empty allowlist", gw: newGW(false, nil), origin: "https://app.example.com", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}

			err := tc.gw.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatalf("expected rejection")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name           string
		err            error
		wantCode       string
		wantRetryAfter int64
	}{
		{name: "rate limited with hint", err: messaging.RateLimitedError{RetryAfter: 42 * time.Second}, wantCode: "rate_limited", wantRetryAfter: 42},
		{name: "rate limited sub-second rounds up", err: messaging.RateLimitedError{RetryAfter: 200 * time.Millisecond}, wantCode: "rate_limited", wantRetryAfter: 1},
		{name: "validation", err: messaging.OpError{Op: "x", Kind: messaging.ErrValidation}, wantCode: "validation_failed"},
		{name: "self message", err: messaging.OpError{Op: "x", Kind: messaging.ErrSelfMessage}, wantCode: "self_message"},
		{name: "not found", err: messaging.OpError{Op: "x", Kind: messaging.ErrNotFound}, wantCode: "not_found"},
		{name: "unauthorized", err: messaging.OpError{Op: "x", Kind: messaging.ErrUnauthorized}, wantCode: "unauthorized"},
		{name: "already deleted", err: messaging.OpError{Op: "x", Kind: messaging.ErrAlreadyDeleted}, wantCode: "already_deleted"},
		{name: "no-op", err: messaging.OpError{Op: "x", Kind: messaging.ErrNoOp}, wantCode: "nothing_to_update"},
		{name: "unavailable", err: messaging.OpError{Op: "x", Kind: messaging.ErrUnavailable}, wantCode: "unavailable"},
		{name: "unclassified", err: errors.New("boom"), wantCode: "internal"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, retryAfter := errorCode(tc.err)
			if code != tc.wantCode {
				t.Fatalf("code=%q want=%q", code, tc.wantCode)
			}
			if retryAfter != tc.wantRetryAfter {
				t.Fatalf("retryAfter=%d want=%d", retryAfter, tc.wantRetryAfter)
			}
		})
	}
}

func TestPublicErrMsg(t *testing.T) {
	t.Parallel()

	if got := publicErrMsg(errors.New("pg: connection refused to 10.0.0.3")); got != "internal error" {
		t.Fatalf("internal details leaked: %q", got)
	}
	if got := publicErrMsg(messaging.OpError{Op: "x", Kind: messaging.ErrUnavailable, Msg: "pool down"}); got != "internal error" {
		t.Fatalf("backend details leaked: %q", got)
	}
	if got := publicErrMsg(messaging.OpError{Op: "messaging.SendMessage", Kind: messaging.ErrSelfMessage}); got == "internal error" {
		t.Fatalf("classified error over-masked")
	}
}

func TestDecodeEnvelope_WrongShapeIsBadFrame(t *testing.T) {
	t.Parallel()

	// Valid JSON with the wrong shape must be survivable: the read loop
	// reports it and keeps the connection, so the classification has to be
	// bad-frame rather than a transport failure.
	cases := []struct {
		name string
		data string
	}{
		{name: "array", data: `[1,2,3]`},
		{name: "wrong field type", data: `{"type": 5}`},
		{name: "bare string", data: `"hello"`},
		{name: "truncated", data: `{"type":`},
		{name: "not json", data: `???`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := decodeEnvelope([]byte(tc.data))
			if err == nil {
				t.Fatalf("decode accepted %q", tc.data)
			}
			if !errors.Is(err, errBadFrame) {
				t.Fatalf("decode error not marked as bad frame: %v", err)
			}
			if kind := classifyReadErr(err); kind != readErrBadJSON {
				t.Fatalf("classified as %d, connection would be terminated", kind)
			}
		})
	}

	if _, err := decodeEnvelope([]byte(`{"v":"v1","type":"hello"}`)); err != nil {
		t.Fatalf("well-formed envelope rejected: %v", err)
	}
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{name: "context canceled", err: context.Canceled, want: readErrCtxDone},
		{name: "deadline", err: context.DeadlineExceeded, want: readErrCtxDone},
		{name: "eof", err: io.EOF, want: readErrConnClosed},
		{name: "wrapped eof", err: errors.Join(errors.New("read"), io.EOF), want: readErrConnClosed},
		{name: "unknown", err: errors.New("boom"), want: readErrUnknown},
	}

	for _, tc := range cases {
		if got := classifyReadErr(tc.err); got != tc.want {
			t.Fatalf("%s: classified as %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestSessionState_CloseBeforeAttachKeepsPresenceEmpty(t *testing.T) {
	t.Parallel()

	reg := presence.NewRegistry()
	hub := NewHub(discardLogger(), reg, nil)
	client := authedClient("s1", "alice", 4)

	// The writer tears the session down while the handshake is finishing.
	var state sessionState
	state.close(hub, client)

	if state.tryAttach(hub, client) {
		t.Fatalf("attach accepted after close")
	}
	if reg.IsOnline("alice") {
		t.Fatalf("closed session leaked into presence")
	}
}

func TestSessionState_AttachThenCloseDetaches(t *testing.T) {
	t.Parallel()

	reg := presence.NewRegistry()
	hub := NewHub(discardLogger(), reg, nil)
	client := authedClient("s1", "alice", 4)

	var state sessionState
	if !state.tryAttach(hub, client) {
		t.Fatalf("attach refused on fresh session")
	}
	if !reg.IsOnline("alice") {
		t.Fatalf("alice offline after attach")
	}

	state.close(hub, client)
	if reg.IsOnline("alice") {
		t.Fatalf("alice online after close")
	}

	// close is idempotent.
	state.close(hub, client)
}

func TestSessionState_ConcurrentAttachClose(t *testing.T) {
	t.Parallel()

	reg := presence.NewRegistry()
	hub := NewHub(discardLogger(), reg, nil)

	for i := 0; i < 200; i++ {
		client := authedClient(NewSessionID(), "alice", 4)

		var state sessionState
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			state.tryAttach(hub, client)
		}()
		go func() {
			defer wg.Done()
			state.close(hub, client)
		}()
		wg.Wait()

		// Whichever side lost the race, a second close must leave nothing.
		state.close(hub, client)
		if reg.IsOnline("alice") {
			t.Fatalf("iteration %d: presence leaked", i)
		}
	}
}

func TestDrainSendQueue(t *testing.T) {
	t.Parallel()

	t.Run("empty queue returns immediately", func(t *testing.T) {
		t.Parallel()
		c := NewClient("s1", 4)

		start := time.Now()
		drainSendQueue(c, time.Second)
		if time.Since(start) > 500*time.Millisecond {
			t.Fatalf("drain blocked on an empty queue")
		}
	})

	t.Run("returns once consumed", func(t *testing.T) {
		t.Parallel()
		c := NewClient("s1", 4)
		c.Send <- v1.Envelope{}

		go func() { <-c.Send }()

		drainSendQueue(c, time.Second)
		if len(c.Send) != 0 {
			t.Fatalf("queue not drained")
		}
	})

	t.Run("gives up at the deadline", func(t *testing.T) {
		t.Parallel()
		c := NewClient("s1", 4)
		c.Send <- v1.Envelope{}

		start := time.Now()
		drainSendQueue(c, 30*time.Millisecond)
		if time.Since(start) > time.Second {
			t.Fatalf("drain ignored the deadline")
		}
	})
}

func TestNewSessionID(t *testing.T) {
	t.Parallel()

	a, b := NewSessionID(), NewSessionID()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("ulid length: %d and %d", len(a), len(b))
	}
	if a == b {
		t.Fatalf("ids must be unique")
	}
}
