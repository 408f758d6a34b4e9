package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func TestWSGateway_UnauthorizedRejected(t *testing.T) {
	env := newWSTestEnv(t, DefaultWSConfig())
	env.cfg.OriginRequired = false

	_, resp, err := dialWS(t, env.server.URL, "http://localhost", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected unauthorized handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected 401, got status=%d err=%v", status, err)
	}
}

func TestWSGateway_OriginRequired(t *testing.T) {
	env := newWSTestEnv(t, DefaultWSConfig())

	_, resp, err := dialWS(t, env.server.URL, "", "alice")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = dialWS(t, env.server.URL, "http://evil.example", "alice")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSGateway_HelloAndPresence(t *testing.T) {
	req := require.New(t)
	env := newWSTestEnv(t, DefaultWSConfig())

	alice := env.dial("alice")

	presence := decodeEnv[v1.PresencePayload](t, readUntilType(t, alice, v1.TypePresence, 5))
	req.Equal([]string{"alice"}, presence.UserIDs)

	writeEnvelopeWS(t, alice, clientEnv(t, v1.TypeHello, v1.HelloPayload{}))
	ack := decodeEnv[v1.HelloAckPayload](t, readUntilType(t, alice, v1.TypeHelloAck, 5))
	req.Equal("alice", ack.UserID)
	req.NotEmpty(ack.SessionID)

	bob := env.dial("bob")
	presence = decodeEnv[v1.PresencePayload](t, readUntilType(t, alice, v1.TypePresence, 5))
	req.Equal([]string{"alice", "bob"}, presence.UserIDs)

	_ = bob.Close(websocket.StatusNormalClosure, "bye")
	presence = decodeEnv[v1.PresencePayload](t, readUntilType(t, alice, v1.TypePresence, 5))
	req.Equal([]string{"alice"}, presence.UserIDs)

	req.Eventually(func() bool { return !env.hub.Registry().IsOnline("bob") }, 2*time.Second, 10*time.Millisecond)
}

func TestWSGateway_JoinRequiresMembership(t *testing.T) {
	req := require.New(t)
	env := newWSTestEnv(t, DefaultWSConfig())

	ch, err := env.hub.Create(context.Background(), "general", "alice")
	req.NoError(err)

	bob := env.dial("bob")
	writeEnvelopeWS(t, bob, clientEnv(t, v1.TypeChannelJoin, v1.ChannelRef{ChannelID: ch.ID}))
	e := decodeEnv[v1.ErrorPayload](t, readUntilType(t, bob, v1.TypeError, 5))
	req.Equal("not_member", e.Code)

	writeEnvelopeWS(t, bob, clientEnv(t, v1.TypeMessageSend, v1.MessageSendPayload{ChannelID: ch.ID, Text: "hi"}))
	e = decodeEnv[v1.ErrorPayload](t, readUntilType(t, bob, v1.TypeError, 5))
	req.Equal("not_member", e.Code)

	writeEnvelopeWS(t, bob, clientEnv(t, v1.TypeChannelJoin, v1.ChannelRef{ChannelID: "missing"}))
	e = decodeEnv[v1.ErrorPayload](t, readUntilType(t, bob, v1.TypeError, 5))
	req.Equal("not_found", e.Code)
}

func TestWSGateway_SendBroadcastTypingAndHistory(t *testing.T) {
	req := require.New(t)
	env := newWSTestEnv(t, DefaultWSConfig())
	ctx := context.Background()

	ch, err := env.hub.Create(ctx, "general", "alice")
	req.NoError(err)
	_, err = env.hub.Join(ctx, ch.ID, "bob")
	req.NoError(err)
	for i := 0; i < 3; i++ {
		_, _, err := env.hub.Post(ctx, ch.ID, "alice", "earlier")
		req.NoError(err)
	}

	alice := env.dial("alice")
	bob := env.dial("bob")

	joined := decodeEnv[v1.ChannelJoinedPayload](t, joinWS(t, alice, ch.ID))
	req.Equal("general", joined.Channel.Name)
	req.Len(joined.Messages, 3)
	req.False(joined.HasMore)
	joinWS(t, bob, ch.ID)

	// Typing fans out to the other member.
	writeEnvelopeWS(t, alice, clientEnv(t, v1.TypeTyping, v1.ChannelRef{ChannelID: ch.ID}))
	typing := decodeEnv[v1.TypingPayload](t, readUntilType(t, bob, v1.TypeTyping, 5))
	req.Equal(ch.ID, typing.ChannelID)
	req.Equal([]string{"alice"}, typing.UserIDs)

	// Sending clears the sender's typing entry and reaches both sessions.
	writeEnvelopeWS(t, alice, clientEnv(t, v1.TypeMessageSend, v1.MessageSendPayload{ChannelID: ch.ID, Text: "  hi bob  "}))

	ack := decodeEnv[v1.MessageAckPayload](t, readUntilType(t, alice, v1.TypeMessageAck, 10))
	req.Equal(int64(4), ack.Seq)
	req.Equal(2, ack.Delivered)

	msg := decodeEnv[v1.Message](t, readUntilType(t, bob, v1.TypeMessageNew, 10))
	req.Equal("hi bob", msg.Text)
	req.Equal("alice", msg.SenderID)
	req.Equal(int64(4), msg.Seq)
	req.Empty(env.typing.ActiveTypers(ch.ID))

	writeEnvelopeWS(t, bob, clientEnv(t, v1.TypeHistoryFetch, v1.HistoryFetchPayload{ChannelID: ch.ID, Page: 2, Limit: 3}))
	chunk := decodeEnv[v1.HistoryChunkPayload](t, readUntilType(t, bob, v1.TypeHistoryChunk, 10))
	req.Equal(2, chunk.Page)
	req.Len(chunk.Messages, 1)
	req.Equal(int64(1), chunk.Messages[0].Seq)
	req.False(chunk.HasMore)
}

func TestWSGateway_BadJSONKeepsSession(t *testing.T) {
	req := require.New(t)
	env := newWSTestEnv(t, DefaultWSConfig())

	alice := env.dial("alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req.NoError(alice.Write(ctx, websocket.MessageText, []byte("{not json")))

	e := decodeEnv[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 5))
	req.Equal("bad_json", e.Code)

	writeEnvelopeWS(t, alice, clientEnv(t, v1.TypeHello, v1.HelloPayload{}))
	readUntilType(t, alice, v1.TypeHelloAck, 5)
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000",
		"https://LOCALHOST",
		"chat.example.com:443",
		"",
	})
	require.Equal(t, []string{"chat.example.com", "localhost"}, got)

	got = deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost", " * "})
	require.Equal(t, []string{"*"}, got)
}

// ---- test env ----

type authFunc func(*http.Request) (string, error)

func (f authFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

// testUserAuth trusts the bearer token as the user id.
var testUserAuth = authFunc(func(r *http.Request) (string, error) {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(tok) == "" {
		return "", errors.New("missing token")
	}
	return tok, nil
})

type wsTestEnv struct {
	t      *testing.T
	cfg    *WSConfig
	hub    *Hub
	typing *TypingIndicator
	server *httptest.Server
}

func newWSTestEnv(t *testing.T, cfg WSConfig) *wsTestEnv {
	t.Helper()

	registry := NewRegistry(nil)
	hub := NewHub(nil, registry, NewMemoryStore())
	registry.OnPresenceChange(func(users []string) { hub.BroadcastPresence(users) })
	typing := NewTypingIndicator(nil, hub, time.Minute)

	env := &wsTestEnv{t: t, cfg: &cfg, hub: hub, typing: typing}

	// The gateway is rebuilt per request so tests may tweak cfg after construction.
	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		NewWSGateway(nil, *env.cfg, testUserAuth, hub, typing).ServeHTTP(w, r)
	}))
	t.Cleanup(env.server.Close)
	return env
}

func (e *wsTestEnv) dial(userID string) *websocket.Conn {
	e.t.Helper()

	conn, resp, err := dialWS(e.t, e.server.URL, "http://localhost", userID)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		e.t.Fatalf("dial %s: %v", userID, err)
	}
	e.t.Cleanup(func() { _ = conn.CloseNow() })

	// Wait until the session is registered so broadcasts can reach it.
	require.Eventually(e.t, func() bool { return e.hub.Registry().IsOnline(userID) }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{WSSubprotocolV1},
		HTTPHeader:   h,
	})
}

func joinWS(t *testing.T, conn *websocket.Conn, channelID string) v1.Envelope {
	t.Helper()
	writeEnvelopeWS(t, conn, clientEnv(t, v1.TypeChannelJoin, v1.ChannelRef{ChannelID: channelID}))
	return readUntilType(t, conn, v1.TypeChannelJoined, 10)
}

func clientEnv(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	return v1.Envelope{V: v1.Version, Type: typ, ID: NewEnvelopeID(), TS: time.Now().UTC(), Payload: mustJSONRaw(t, payload)}
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func decodeEnv[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return p
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return b
}
