// Package main provides a CI-friendly end-to-end smoke test for a running Murmur server.
//
// It validates:
//   - channel create + join over the HTTP API
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - channel_join returning the latest page
//   - send -> ack, and fanout message_new to another member
//   - typing push to the other member
//   - history fetch containing the sent message
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

const (
	subprotocol  = "murmur.realtime.v1"
	maxReadBytes = 1 << 20 // 1MiB
	devUserHdr   = "X-Murmur-User"
)

type identity struct {
	user   string
	secret string
}

// header returns the credentials for one user: a signed bearer token when a
// secret is configured, otherwise the development user header.
func (id identity) header() http.Header {
	h := http.Header{}
	if id.secret == "" {
		h.Set(devUserHdr, id.user)
		return h
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  id.user,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(10 * time.Minute).Unix(),
	}).SignedString([]byte(id.secret))
	if err != nil {
		fatalf("sign token: %v", err)
	}
	h.Set("Authorization", "Bearer "+tok)
	return h
}

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		secret  = flag.String("secret", os.Getenv("MURMUR_JWT_SECRET"), "JWT secret; empty uses the dev user header")
		channel = flag.String("channel", fmt.Sprintf("smoke-%d", time.Now().Unix()), "Channel name to create")
		text    = flag.String("text", "hello murmur", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	wsURL, err := wsURLFromBase(*baseURL)
	if err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	alice := identity{user: "smoke-alice", secret: *secret}
	bob := identity{user: "smoke-bob", secret: *secret}
	root := context.Background()

	var created v1.Channel
	mustAPI(root, http.MethodPost, *baseURL+"/api/channels", alice, map[string]string{"name": *channel}, http.StatusCreated, &created, *timeout)
	mustAPI(root, http.MethodPost, *baseURL+"/api/channels/"+url.PathEscape(created.ID)+"/join", bob, nil, http.StatusOK, nil, *timeout)

	a := mustConnect(root, "A", wsURL, *origin, alice, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL, *origin, bob, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s channel=%s\n", a.sessionID, b.sessionID, created.ID)
	}

	mustJoin(root, a, created.ID, *timeout)
	mustJoin(root, b, created.ID, *timeout)

	mustWrite(root, a.conn, newEnvelope("A-typing", v1.TypeTyping, v1.ChannelRef{ChannelID: created.ID}), *timeout)
	typing := decode[v1.TypingPayload](b.mustReadUntilType(root, v1.TypeTyping, *timeout))
	if typing.ChannelID != created.ID || !contains(typing.UserIDs, alice.user) {
		fatalf("typing push mismatch: %+v", typing)
	}

	msgID, seq := mustSendAndAssertAck(root, a, created.ID, *text, *timeout)

	got := decode[v1.Message](b.mustReadUntilType(root, v1.TypeMessageNew, *timeout))
	if got.ID != msgID || got.Seq != seq || got.SenderID != alice.user || got.Text != *text {
		fatalf("message_new mismatch: %+v", got)
	}

	mustHistoryContains(root, b, created.ID, msgID, *timeout)

	fmt.Printf("OK: A=%s B=%s channel_id=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, created.ID, seq, msgID)
}

func wsURLFromBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustAPI(parent context.Context, method, endpoint string, id identity, body any, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		fatalf("build %s %s: %v", method, endpoint, err)
	}
	req.Header = id.header()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, endpoint, resp.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, endpoint, err)
		}
	}
}

func mustConnect(parent context.Context, name, wsURL, origin string, id identity, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := id.header()
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWrite(parent, conn, newEnvelope(name+"-hello", v1.TypeHello, v1.HelloPayload{}), stepTimeout)
	ack := decode[v1.HelloAckPayload](c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout))
	if strings.TrimSpace(ack.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if ack.UserID != id.user {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, ack.UserID, id.user)
	}
	c.sessionID = ack.SessionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustJoin(parent context.Context, c *smokeClient, channelID string, stepTimeout time.Duration) {
	mustWrite(parent, c.conn, newEnvelope(c.name+"-join", v1.TypeChannelJoin, v1.ChannelRef{ChannelID: channelID}), stepTimeout)

	joined := decode[v1.ChannelJoinedPayload](c.mustReadUntilType(parent, v1.TypeChannelJoined, stepTimeout))
	if joined.Channel.ID != channelID {
		fatalf("channel_joined id mismatch (%s): got=%q want=%q", c.name, joined.Channel.ID, channelID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, channelID, text string, stepTimeout time.Duration) (string, int64) {
	env := newEnvelope(c.name+"-send", v1.TypeMessageSend, v1.MessageSendPayload{ChannelID: channelID, Text: text})
	mustWrite(parent, c.conn, env, stepTimeout)

	ack := decode[v1.MessageAckPayload](c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout))
	if ack.ChannelID != channelID {
		fatalf("ack channel_id mismatch (%s): got=%q want=%q", c.name, ack.ChannelID, channelID)
	}
	if strings.TrimSpace(ack.MessageID) == "" || ack.Seq <= 0 {
		fatalf("ack invalid (%s): %+v", c.name, ack)
	}
	return ack.MessageID, ack.Seq
}

func mustHistoryContains(parent context.Context, c *smokeClient, channelID, messageID string, stepTimeout time.Duration) {
	env := newEnvelope(c.name+"-history", v1.TypeHistoryFetch, v1.HistoryFetchPayload{ChannelID: channelID, Page: 1, Limit: 50})
	mustWrite(parent, c.conn, env, stepTimeout)

	chunk := decode[v1.HistoryChunkPayload](c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout))
	if chunk.ChannelID != channelID {
		fatalf("history_chunk channel_id mismatch (%s): got=%q want=%q", c.name, chunk.ChannelID, channelID)
	}
	for _, m := range chunk.Messages {
		if m.ID == messageID {
			return
		}
	}
	fatalf("history_chunk missing message %s (%s)", messageID, c.name)
}

// mustReadUntilType skips unrelated pushes (presence, typing, message_new) and fails on error envelopes.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				ep := decode[v1.ErrorPayload](env)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
		}
	}
}

func newEnvelope(id, typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write failed: %v", err)
	}
}

func decode[T any](env v1.Envelope) T {
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		fatalf("unmarshal %s payload: %v", env.Type, err)
	}
	return out
}

func contains(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
