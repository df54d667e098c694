package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"harbor/cmd/internal/identity"
	"harbor/cmd/internal/messaging"
	"harbor/cmd/internal/metrics"
	v1 "harbor/shared/contracts/realtime/v1"
)

const wsSubprotocolV1 = "harbor.realtime.v1"

// GatewayConfig carries the tunables resolved by the app config layer.
// Zero values fall back to the defaults in limits.go.
type GatewayConfig struct {
	OriginRequired bool
	AllowedOrigins []string
	DevInsecure    bool

	SendQueueSize int

	HelloTimeout    time.Duration
	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ConnRateEvents int
	ConnRateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = defaultHelloTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdle
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.ConnRateEvents <= 0 {
		c.ConnRateEvents = defaultConnRateEvents
	}
	if c.ConnRateWindow <= 0 {
		c.ConnRateWindow = defaultConnRateWindow
	}
	return c
}

// Gateway is the WebSocket entrypoint for Harbor realtime.
//
// It enforces origin policy and subprotocol selection, authenticates the
// session from the first hello frame, and routes validated envelopes to the
// messaging service and the hub.
type Gateway struct {
	log      *slog.Logger
	hub      *Hub
	svc      *messaging.Service
	verifier identity.TokenVerifier
	metrics  *metrics.Set

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks. Accept authorizes
	// same-host origins on its own; cross-origin needs OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a gateway. All dependencies are required except
// metrics, which may be nil.
func NewGateway(log *slog.Logger, hub *Hub, svc *messaging.Service, verifier identity.TokenVerifier, m *metrics.Set, cfg GatewayConfig) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		hub:            hub,
		svc:            svc,
		verifier:       verifier,
		metrics:        m,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// realtime loop. The session walks Connecting -> Authenticated -> Active ->
// Closed; the first frame must be hello carrying a valid access token.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := NewSessionID()
	client := NewClient(sessionID, g.cfg.SendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g.metrics.ConnOpened()

	var (
		closeOnce sync.Once
		state     sessionState
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Detach happens before client.Close so presence never outlives the session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			state.close(g.hub, client)

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.metrics.ConnClosed()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// ---- Connecting: the first frame must be a valid hello ----

	if err := g.awaitHello(ctx, conn, client); err != nil {
		// Auth failures are never silent: the client gets an explicit error
		// envelope before the close frame.
		g.metrics.AuthFailure()
		g.log.Info("ws.auth.fail", "session_id", sessionID, "err", err)
		g.trySendError(ctx, client, "auth_failed", err.Error(), 0)
		drainSendQueue(client, closeGrace)
		shutdown(websocket.StatusPolicyViolation, "auth failed")
		<-writerDone
		return
	}

	// ---- Authenticated -> Active ----

	// A write or heartbeat failure may have already torn the session down
	// while hello was completing; in that case the session never joins the
	// hub, so presence cannot outlive the connection.
	if !state.tryAttach(g.hub, client) {
		<-writerDone
		return
	}
	g.log.Info("ws.session.active", "session_id", sessionID, "user_id", client.UserID)

	rl := messaging.NewRateLimiter(g.cfg.ConnRateEvents, g.cfg.ConnRateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON", 0)
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if ok, retryAfter := rl.Allow(sessionID, now); !ok {
			secs := int64((retryAfter + time.Second - 1) / time.Second)
			if secs < 1 {
				secs = 1
			}
			g.trySendError(ctx, client, "rate_limited", "too many events", secs)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error(), 0)
			continue readLoop
		}

		g.metrics.EventInbound(env.Type)

		// Protocol errors after auth are reported, never fatal: the
		// connection stays open and the client may continue.
		if err := g.dispatch(ctx, client, env); err != nil {
			code, retryAfter := errorCode(err)
			g.trySendError(ctx, client, code, publicErrMsg(err), retryAfter)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// awaitHello reads the first frame, requires it to be hello, and verifies
// the token. On success it stamps the client identity and enqueues hello_ack.
func (g *Gateway) awaitHello(ctx context.Context, conn *websocket.Conn, client *Client) error {
	helloCtx, cancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	defer cancel()

	env, err := readEnvelope(helloCtx, conn)
	if err != nil {
		return fmt.Errorf("hello not received: %w", err)
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("bad hello envelope: %w", err)
	}
	if env.Type != v1.TypeHello {
		return fmt.Errorf("first frame must be hello, got %q", env.Type)
	}

	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid hello payload: %w", err)
	}
	if strings.TrimSpace(p.Token) == "" {
		return errors.New("missing token")
	}

	user, err := g.verifier.Verify(ctx, p.Token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}

	client.UserID = user.ID
	client.DisplayName = user.DisplayName

	ack, err := NewServerEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID:   client.SessionID,
		UserID:      user.ID,
		DisplayName: user.DisplayName,
	})
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello ack")
	}
	return nil
}

// ---- dispatch ----

func (g *Gateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeHello:
		// Re-authentication is not part of the protocol.
		return errors.New("already authenticated")

	case v1.TypeMessageSend:
		return g.onMessageSend(ctx, client, env)

	case v1.TypeTypingStart, v1.TypeTypingStop:
		return g.onTyping(client, env, env.Type == v1.TypeTypingStart)

	case v1.TypeMarkRead:
		return g.onMarkRead(ctx, client, env)

	case v1.TypeMessageDelete:
		return g.onMessageDelete(ctx, client, env)

	case v1.TypeMessageTriage:
		return g.onMessageTriage(ctx, client, env)

	case v1.TypeQueryOnlineUsers:
		return g.onQueryOnlineUsers(ctx, client)

	case v1.TypeQueryConversationStatus:
		return g.onQueryConversationStatus(ctx, client, env)

	default:
		return fmt.Errorf("unsupported type: %s", env.Type)
	}
}

func (g *Gateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	msg, err := g.svc.SendMessage(ctx, client.UserID, p.RecipientID, p.Body, messaging.SendOptions{
		Kind:     messaging.Kind(p.Kind),
		Category: messaging.SupportCategory(p.Category),
		Priority: messaging.Priority(p.Priority),
	})
	if err != nil {
		if messaging.IsRateLimited(err) {
			g.metrics.RateLimitedSend()
		}
		return err
	}
	g.metrics.MessageSent()

	// The recipient's channels get message_new via the notifier; the sender
	// gets the canonical record as an ack on this session.
	ack, err := NewServerEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{Message: ToRecord(msg)})
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: message ack")
	}
	return nil
}

func (g *Gateway) onTyping(client *Client, env v1.Envelope, typing bool) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	partnerID := strings.TrimSpace(p.PartnerID)
	if partnerID == "" {
		return errors.New("missing partner_id")
	}
	if partnerID == client.UserID {
		return errors.New("cannot type at yourself")
	}

	// Typing is transient: relayed only while the counterpart is online,
	// never persisted, silently dropped otherwise.
	if !g.hub.Presence().IsOnline(partnerID) {
		return nil
	}

	relay, err := NewServerEnvelope(v1.TypeTyping, v1.TypingPayload{
		UserID: client.UserID,
		Typing: typing,
	})
	if err != nil {
		return err
	}
	g.hub.Push(partnerID, relay)
	return nil
}

func (g *Gateway) onMarkRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	// The partner's read receipt rides the notifier; no ack on this session.
	_, err := g.svc.MarkAsRead(ctx, client.UserID, p.PartnerID)
	return err
}

func (g *Gateway) onMessageDelete(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	// Both participants (the actor included) get message_deleted via the
	// notifier, which doubles as the ack.
	return g.svc.DeleteMessage(ctx, p.MessageID, client.UserID)
}

func (g *Gateway) onMessageTriage(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageTriagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	update := messaging.TriageUpdate{}
	if s := strings.TrimSpace(p.Status); s != "" {
		v := messaging.Status(s)
		update.Status = &v
	}
	if s := strings.TrimSpace(p.Priority); s != "" {
		v := messaging.Priority(s)
		update.Priority = &v
	}
	if s := strings.TrimSpace(p.Category); s != "" {
		v := messaging.SupportCategory(s)
		update.Category = &v
	}

	_, err := g.svc.UpdateTriage(ctx, p.MessageID, client.UserID, update)
	return err
}

func (g *Gateway) onQueryOnlineUsers(ctx context.Context, client *Client) error {
	snap, err := NewServerEnvelope(v1.TypePresenceSnapshot, v1.PresenceSnapshotPayload{
		UserIDs: g.hub.Presence().OnlineUsers(),
	})
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, snap) {
		return errors.New("backpressure: presence snapshot")
	}
	return nil
}

func (g *Gateway) onQueryConversationStatus(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.QueryConversationStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	partnerID := strings.TrimSpace(p.PartnerID)
	if partnerID == "" {
		return errors.New("missing partner_id")
	}

	unread, last, err := g.svc.ConversationStatus(ctx, client.UserID, partnerID)
	if err != nil {
		return err
	}

	payload := v1.ConversationStatusPayload{
		PartnerID:   partnerID,
		UnreadCount: unread,
		Online:      g.hub.Presence().IsOnline(partnerID),
	}
	if last != nil {
		rec := ToRecord(*last)
		payload.LastMessage = &rec
	}

	status, err := NewServerEnvelope(v1.TypeConversationStatus, payload)
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, status) {
		return errors.New("backpressure: conversation status")
	}
	return nil
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string, retryAfter int64) {
	env, err := NewServerEnvelope(v1.TypeError, v1.ErrorPayload{
		Code:              code,
		Message:           msg,
		RetryAfterSeconds: retryAfter,
	})
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// drainSendQueue waits until the client's queue empties or the timeout
// elapses, so a final frame gets a chance to reach the writer before the
// connection closes.
func drainSendQueue(client *Client, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		if len(client.Send) == 0 {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-client.Done():
			return
		case <-tick.C:
		}
	}
}

// ---- session lifecycle ----

// sessionState serializes hub attachment against shutdown. Without it a
// writer or heartbeat failure racing the hello handshake could consume the
// session's single shutdown while the handler still attaches afterwards,
// leaving the user registered in presence forever.
type sessionState struct {
	mu       sync.Mutex
	attached bool
	closed   bool
}

// tryAttach joins the client to the hub unless the session has already been
// shut down. Reports whether the attach happened.
func (s *sessionState) tryAttach(hub *Hub, client *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	hub.Attach(client)
	s.attached = true
	return true
}

// close marks the session closed and detaches it from the hub if it ever
// attached. Any tryAttach after close is refused.
func (s *sessionState) close(hub *Hub, client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.attached {
		hub.Detach(client)
		s.attached = false
	}
}

// ---- error mapping ----

// errorCode maps a messaging error onto a wire code plus a retry hint.
func errorCode(err error) (code string, retryAfter int64) {
	var rl messaging.RateLimitedError
	if errors.As(err, &rl) {
		return "rate_limited", rl.RetryAfterSeconds()
	}

	switch {
	case errors.Is(err, messaging.ErrRateLimited):
		return "rate_limited", 1
	case errors.Is(err, messaging.ErrValidation):
		return "validation_failed", 0
	case errors.Is(err, messaging.ErrSelfMessage):
		return "self_message", 0
	case errors.Is(err, messaging.ErrNotFound):
		return "not_found", 0
	case errors.Is(err, messaging.ErrUnauthorized):
		return "unauthorized", 0
	case errors.Is(err, messaging.ErrAlreadyDeleted):
		return "already_deleted", 0
	case errors.Is(err, messaging.ErrNoOp):
		return "nothing_to_update", 0
	case errors.Is(err, messaging.ErrUnavailable):
		return "unavailable", 0
	default:
		return "internal", 0
	}
}

// publicErrMsg keeps backend details off the wire for unclassified errors.
func publicErrMsg(err error) string {
	if code, _ := errorCode(err); code == "internal" || code == "unavailable" {
		return "internal error"
	}
	return err.Error()
}

// ---- envelope IO ----

// errBadFrame marks a frame that arrived intact but could not be decoded
// into an envelope. Distinct from transport errors: the connection is fine,
// only this frame is garbage.
var errBadFrame = errors.New("bad frame")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("%w: unsupported message type %v", errBadFrame, mt)
	}
	return decodeEnvelope(data)
}

func decodeEnvelope(data []byte) (v1.Envelope, error) {
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadFrame) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Keep it strict: only hosts from the allowlist.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
