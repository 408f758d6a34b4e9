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
	"slices"
	"strings"
	"sync"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/samber/lo"
)

const (
	// WSSubprotocolV1 is the only subprotocol the gateway speaks.
	WSSubprotocolV1 = "murmur.realtime.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Authenticator resolves a request to a userID.
// The gateway never validates credentials itself.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// WSConfig holds the gateway knobs. Zero values fall back to secure defaults.
type WSConfig struct {
	// DevInsecure disables the accept-time origin check in coder/websocket (dev only).
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RatePerSecond float64
	RateBurst     int
}

// DefaultWSConfig returns the gateway defaults: origin required, localhost only.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		OriginRequired:    true,
		AllowedOrigins:    splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RatePerSecond:     rateLimitPerSecond,
		RateBurst:         rateLimitBurst,
	}
}

func (c WSConfig) withDefaults() WSConfig {
	d := DefaultWSConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	return c
}

// WSGateway is the websocket entrypoint for Murmur realtime.
//
// It enforces origin policy, authentication, subprotocol selection, rate limits and heartbeats,
// registers each connection with the Registry and routes validated envelopes to the Hub
// and the TypingIndicator.
type WSGateway struct {
	log     *slog.Logger
	cfg     WSConfig
	auth    Authenticator
	hub     *Hub
	typing  *TypingIndicator
	metrics *Metrics

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// GatewayOption configures optional gateway collaborators.
type GatewayOption func(*WSGateway)

// WithGatewayMetrics counts rejected handshakes.
func WithGatewayMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway. A nil auth rejects every connection.
func NewWSGateway(log *slog.Logger, cfg WSConfig, auth Authenticator, hub *Hub, typing *TypingIndicator, opts ...GatewayOption) *WSGateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, nil, nil)
	}
	if typing == nil {
		typing = NewTypingIndicator(log, hub, DefaultTypingTTL)
	}
	cfg = cfg.withDefaults()

	g := &WSGateway{
		log:    log,
		cfg:    cfg,
		auth:   auth,
		hub:    hub,
		typing: typing,

		// websocket.Accept enforces its own origin policy:
		// - same-host is ok
		// - cross-origin requires OriginPatterns (host patterns)
		// We derive these patterns from allowed origins so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.reject("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	userID, err := g.authenticate(r)
	if err != nil {
		g.reject("auth")
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{WSSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != WSSubprotocolV1 {
		g.reject("subprotocol")
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", WSSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(userID, g.cfg.SendQueueSize)
	sessionID, err := g.hub.Registry().Register(userID, client)
	if err != nil {
		g.log.Error("ws.register.fail", "user_id", userID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "register failed")
		return
	}
	client.SessionID = sessionID
	log := g.log.With("session_id", sessionID, "user_id", userID)
	log.Info("ws.connect", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// The session leaves the registry before the client closes, so new broadcasts skip it.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Registry().Unregister(sessionID)
			if !g.hub.Registry().IsOnline(userID) {
				for _, channelID := range client.JoinedIDs() {
					g.typing.ClearTyping(channelID, userID)
				}
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.disconnect", "reason", reason)
		})
	}

	rl := NewRateLimiter(g.cfg.RatePerSecond, g.cfg.RateBurst)

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
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
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
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

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
				g.sendError(client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.sendError(client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue readLoop
		}

		if err := g.dispatch(ctx, client, env); err != nil {
			code, msg := ErrorCode(err), err.Error()
			if code == "internal" {
				log.Error("ws.dispatch.fail", "type", env.Type, "err", err)
				msg = "internal error"
			}
			g.sendError(client, code, msg)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope) error {
	switch env.Type {
	case v1.TypeHello:
		return g.onHello(client)
	case v1.TypeChannelJoin:
		return g.onJoin(ctx, client, env)
	case v1.TypeMessageSend:
		return g.onMessageSend(ctx, client, env)
	case v1.TypeTyping:
		return g.onTyping(client, env, true)
	case v1.TypeTypingStop:
		return g.onTyping(client, env, false)
	case v1.TypeHistoryFetch:
		return g.onHistoryFetch(ctx, client, env)
	default:
		return opErr("ws.dispatch", ErrInvalidInput, fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(client *Client) error {
	ack := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		SessionID: client.SessionID,
		UserID:    client.UserID,
	}, time.Now().UTC())
	return client.Deliver(ack)
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) error {
	p, err := decodePayload[v1.ChannelRef]("ws.join", env)
	if err != nil {
		return err
	}

	ch, page, err := g.hub.Open(ctx, p.ChannelID, client.UserID, 0)
	if err != nil {
		return err
	}
	client.MarkJoined(ch.ID)

	joined := newEnvelope(v1.TypeChannelJoined, v1.ChannelJoinedPayload{
		Channel:  ToWireChannel(ch),
		Messages: ToWireMessages(page.Messages),
		HasMore:  page.HasMore,
	}, time.Now().UTC())
	if err := client.Deliver(joined); err != nil {
		return err
	}

	// Catch the new session up on who is typing right now.
	if typers := g.typing.ActiveTypers(ch.ID); len(typers) > 0 {
		_ = client.Deliver(newEnvelope(v1.TypeTyping, v1.TypingPayload{ChannelID: ch.ID, UserIDs: typers}, time.Now().UTC()))
	}
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	const op = "ws.send"

	p, err := decodePayload[v1.MessageSendPayload](op, env)
	if err != nil {
		return err
	}
	if !client.Joined(p.ChannelID) {
		return opErr(op, ErrNotMember, "join the channel first")
	}

	msg, delivered, err := g.hub.Post(ctx, p.ChannelID, client.UserID, p.Text)
	if err != nil {
		return err
	}
	g.typing.ClearTyping(msg.ChannelID, client.UserID)

	ack := newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		Seq:       msg.Seq,
		Delivered: delivered,
	}, time.Now().UTC())
	return client.Deliver(ack)
}

func (g *WSGateway) onTyping(client *Client, env v1.Envelope, typing bool) error {
	const op = "ws.typing"

	p, err := decodePayload[v1.ChannelRef](op, env)
	if err != nil {
		return err
	}
	if !client.Joined(p.ChannelID) {
		return opErr(op, ErrNotMember, "join the channel first")
	}
	if !typing {
		g.typing.ClearTyping(p.ChannelID, client.UserID)
		return nil
	}
	return g.typing.SetTyping(p.ChannelID, client.UserID)
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	const op = "ws.history"

	p, err := decodePayload[v1.HistoryFetchPayload](op, env)
	if err != nil {
		return err
	}
	if !client.Joined(p.ChannelID) {
		return opErr(op, ErrNotMember, "join the channel first")
	}

	page := p.Page
	if page == 0 {
		page = 1
	}
	res, err := g.hub.History(ctx, p.ChannelID, client.UserID, page, p.Limit)
	if err != nil {
		return err
	}

	chunk := newEnvelope(v1.TypeHistoryChunk, v1.HistoryChunkPayload{
		ChannelID: p.ChannelID,
		Page:      page,
		Messages:  ToWireMessages(res.Messages),
		HasMore:   res.HasMore,
	}, time.Now().UTC())
	return client.Deliver(chunk)
}

// ---- send helpers ----

func (g *WSGateway) sendError(client *Client, code, msg string) {
	env := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err := client.Deliver(env); err != nil {
		g.log.Debug("ws.error.drop", "session_id", client.SessionID, "code", code, "err", err)
	}
}

func (g *WSGateway) reject(reason string) {
	if g.metrics != nil {
		g.metrics.WSRejected.WithLabelValues(reason).Inc()
	}
}

func (g *WSGateway) authenticate(r *http.Request) (string, error) {
	if g.auth == nil {
		return "", errors.New("no authenticator configured")
	}
	userID, err := g.auth.Authenticate(r)
	if err != nil {
		return "", err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("empty user id")
	}
	return userID, nil
}

// ---- envelope IO ----

func decodePayload[T any](op string, env v1.Envelope) (T, error) {
	var p T
	if len(env.Payload) == 0 {
		return p, opErr(op, ErrInvalidInput, "missing payload")
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, opErr(op, ErrInvalidInput, "invalid payload")
	}
	return p, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
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
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	if strings.Contains(err.Error(), "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
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
			return nil
		}
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

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins maps the allowlist to the host patterns websocket.Accept matches.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	if lo.ContainsBy(allowed, func(a string) bool { return strings.TrimSpace(a) == "*" }) {
		return []string{"*"}
	}
	hosts := lo.Uniq(lo.Filter(lo.Map(allowed, func(a string, _ int) string {
		return originHostOnly(a)
	}), func(h string, _ int) bool {
		return h != "" && h != "*"
	}))
	slices.Sort(hosts)
	return hosts
}

func splitCSV(raw string) []string {
	return lo.Compact(lo.Map(strings.Split(raw, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	}))
}
