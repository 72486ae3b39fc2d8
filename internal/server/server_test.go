package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/omochice/ironwire/internal/blob"
	"github.com/omochice/ironwire/internal/client"
	"github.com/omochice/ironwire/internal/config"
	"github.com/omochice/ironwire/internal/server"
	"github.com/omochice/ironwire/internal/telemetry/logger"
	"github.com/omochice/ironwire/pkg/protocol"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.HTTP.Addr = "127.0.0.1:0"
	cfg.Server.TCP.Addr = "127.0.0.1:0"
	cfg.Server.HTTP.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()
	store, err := blob.OpenBadger("", logger.Discard())
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	srv := server.New(cfg, server.Deps{Logger: logger.Discard(), Store: store})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve() did not return after Stop()")
		}
		store.Close()
	})
	return srv
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func connect(t *testing.T, srv *server.Server, token string) *client.Client {
	t.Helper()
	c := client.New("ws://"+srv.Addr()+"/ws", token, client.WithLogger(logger.Discard()))
	if err := c.Connect(ctxTimeout(t)); err != nil {
		t.Fatalf("Connect(%s) error = %v", token, err)
	}
	t.Cleanup(c.Disconnect)
	if err := c.Authenticate(ctxTimeout(t)); err != nil {
		t.Fatalf("Authenticate(%s) error = %v", token, err)
	}
	return c
}

func next(t *testing.T, c *client.Client) protocol.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		if !ok {
			t.Fatalf("connection closed: %v", c.Err())
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return protocol.ServerMessage{}
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestServer_AliceAndBob(t *testing.T) {
	srv := startServer(t, testConfig())
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")

	if err := alice.SendText(ctxTimeout(t), "bob", "hi"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if msg := next(t, bob); msg != protocol.TextFrom("alice", "hi") {
		t.Errorf("bob received %+v", msg)
	}

	if err := alice.SendText(ctxTimeout(t), "carol", "anyone?"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if msg := next(t, alice); msg != protocol.UserOffline("carol") {
		t.Errorf("alice received %+v", msg)
	}
}

func TestServer_CrossTransport(t *testing.T) {
	srv := startServer(t, testConfig())
	if srv.TCPAddr() == "" {
		t.Fatal("TCPAddr() is empty")
	}

	conn, err := net.Dial("tcp", srv.TCPAddr())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	lines := bufio.NewScanner(conn)

	conn.Write([]byte(`{"type":"auth","payload":{"token":"dave"}}` + "\n"))
	if !lines.Scan() || lines.Text() != `{"type":"auth_ok","payload":{}}` {
		t.Fatalf("auth reply = %q, %v", lines.Text(), lines.Err())
	}

	alice := connect(t, srv, "alice")
	if err := alice.SendText(ctxTimeout(t), "dave", "over tcp"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if !lines.Scan() || lines.Text() != `{"type":"text","payload":{"from":"alice","text":"over tcp"}}` {
		t.Fatalf("dave received %q, %v", lines.Text(), lines.Err())
	}

	conn.Write([]byte(`{"type":"text","payload":{"to":"alice","text":"back"}}` + "\n"))
	if msg := next(t, alice); msg != protocol.TextFrom("dave", "back") {
		t.Errorf("alice received %+v", msg)
	}
}

func TestServer_EmptyTokenRejected(t *testing.T) {
	srv := startServer(t, testConfig())

	c := client.New("ws://"+srv.Addr()+"/ws", "", client.WithLogger(logger.Discard()))
	if err := c.Connect(ctxTimeout(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Disconnect()

	var authErr *client.AuthError
	err := c.Authenticate(ctxTimeout(t))
	if !errors.As(err, &authErr) || authErr.Status != websocket.StatusInvalidFramePayloadData {
		t.Fatalf("Authenticate() error = %v, want 1007 close", err)
	}
	if authErr.Reason != "Empty token" {
		t.Errorf("close reason = %q", authErr.Reason)
	}
}

func TestServer_Health(t *testing.T) {
	srv := startServer(t, testConfig())
	connect(t, srv, "alice")

	resp, body := get(t, "http://"+srv.Addr()+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		Online   int    `json:"online"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("body %s: %v", body, err)
	}
	if health.Status != "ok" || health.Sessions != 1 || health.Online != 1 {
		t.Errorf("health = %+v", health)
	}
	if resp.Header.Get(server.HeaderRequestID) == "" {
		t.Error("response has no request id")
	}
}

func TestServer_UploadAndMedia(t *testing.T) {
	srv := startServer(t, testConfig())
	base := "http://" + srv.Addr()

	resp, err := http.Post(base+"/upload", "text/plain", bytes.NewReader([]byte("hello blob")))
	if err != nil {
		t.Fatalf("POST /upload error = %v", err)
	}
	var uploaded struct {
		URL string `json:"url"`
	}
	json.NewDecoder(resp.Body).Decode(&uploaded)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(uploaded.URL, blob.MediaPrefix) {
		t.Fatalf("upload status = %d, url = %q", resp.StatusCode, uploaded.URL)
	}

	media, body := get(t, base+uploaded.URL)
	if media.StatusCode != http.StatusOK || string(body) != "hello blob" {
		t.Errorf("media status = %d, body = %q", media.StatusCode, body)
	}
	if ct := media.Header.Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}

	if missing, _ := get(t, base+blob.MediaPrefix+blob.NewID()); missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing media status = %d, want 404", missing.StatusCode)
	}
}

func TestServer_UploadRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Blob.UploadRate = 0.001
	cfg.Blob.UploadBurst = 1
	srv := startServer(t, cfg)

	codes := make([]int, 2)
	for i := range codes {
		resp, err := http.Post("http://"+srv.Addr()+"/upload", "", strings.NewReader("x"))
		if err != nil {
			t.Fatalf("POST /upload error = %v", err)
		}
		resp.Body.Close()
		codes[i] = resp.StatusCode
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

func TestServer_Fallback(t *testing.T) {
	srv := startServer(t, testConfig())

	resp, body := get(t, "http://"+srv.Addr()+"/anything/else")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	for _, want := range []string{"ws://" + srv.Addr() + "/ws", "/upload", "/media/"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("fallback page missing %q", want)
		}
	}
}

func TestServer_Metrics(t *testing.T) {
	srv := startServer(t, testConfig())
	alice := connect(t, srv, "alice")
	alice.SendText(ctxTimeout(t), "nobody", "x")
	next(t, alice)

	resp, body := get(t, "http://"+srv.Addr()+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, want := range []string{
		"ironwire_relay_identities_online 1",
		"ironwire_relay_sessions_active 1",
		`ironwire_relay_protocol_errors_total{reason="user_offline"} 1`,
		"ironwire_blob_store_size_bytes",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = false
	srv := startServer(t, cfg)

	_, body := get(t, "http://"+srv.Addr()+"/metrics")
	if strings.Contains(string(body), "ironwire_") {
		t.Error("metrics served while disabled")
	}
}

func TestServer_StopClosesSessions(t *testing.T) {
	srv := startServer(t, testConfig())
	alice := connect(t, srv, "alice")

	srv.Stop()

	select {
	case _, ok := <-alice.Messages():
		if ok {
			t.Fatal("unexpected message during shutdown")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed by Stop()")
	}
	if code := websocket.CloseStatus(alice.Err()); code != websocket.StatusGoingAway {
		t.Errorf("close status = %d, want 1001 (err %v)", code, alice.Err())
	}
	if n := srv.Acceptor().Active(); n != 0 {
		t.Errorf("Active() = %d after Stop()", n)
	}
}

func TestServer_StopWithUnauthenticatedSession(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTP.ShutdownTimeout = 5 * time.Second
	srv := startServer(t, cfg)

	conn, _, err := websocket.Dial(ctxTimeout(t), "ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseNow()
	tcpConn, err := net.Dial("tcp", srv.TCPAddr())
	if err != nil {
		t.Fatalf("Dial(tcp) error = %v", err)
	}
	defer tcpConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Acceptor().Active() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := srv.Acceptor().Active(); n != 2 {
		t.Fatalf("Active() = %d, want 2", n)
	}

	start := time.Now()
	srv.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop() took %v with unauthenticated sessions open", elapsed)
	}

	_, _, err = conn.Read(ctxTimeout(t))
	if code := websocket.CloseStatus(err); code != websocket.StatusGoingAway {
		t.Errorf("close status = %d, want 1001 (err %v)", code, err)
	}
}
