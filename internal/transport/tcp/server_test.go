package tcp_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/omochice/ironwire/internal/chat"
	"github.com/omochice/ironwire/internal/transport/tcp"
)

func startServer(t *testing.T) (*tcp.Server, *chat.Acceptor) {
	t.Helper()
	acc := chat.NewAcceptor(chat.NewDirectory())
	srv := tcp.New("127.0.0.1:0", acc)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Stop)
	return srv, acc
}

type lineClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialLine(t *testing.T, addr string) *lineClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &lineClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineClient) send(t *testing.T, line string) {
	t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *lineClient) recv(t *testing.T) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line[:len(line)-1]
}

func TestServer_Addr(t *testing.T) {
	srv, _ := startServer(t)
	if srv.Addr() == "" {
		t.Error("Addr() returned empty string")
	}
}

func TestServer_Stop(t *testing.T) {
	acc := chat.NewAcceptor(chat.NewDirectory())
	srv := tcp.New("127.0.0.1:0", acc)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	c := dialLine(t, srv.Addr())
	c.send(t, `{"type":"auth","payload":{"token":"alice"}}`)
	c.recv(t)

	srv.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after Stop()")
	}
	if acc.Active() != 0 {
		t.Errorf("Active() = %d after Stop()", acc.Active())
	}
	if _, err := net.Dial("tcp", srv.Addr()); err == nil {
		t.Error("expected error after stop, got nil")
	}
	srv.Stop()
}

func TestServer_StopWhileDialing(t *testing.T) {
	acc := chat.NewAcceptor(chat.NewDirectory())
	srv := tcp.New("127.0.0.1:0", acc)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go srv.Serve()
	addr := srv.Addr()

	stop := make(chan struct{})
	dialerDone := make(chan struct{})
	go func() {
		defer close(dialerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if conn, err := net.Dial("tcp", addr); err == nil {
				defer conn.Close()
			}
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return while clients were dialing")
	}
	close(stop)
	<-dialerDone

	if acc.Active() != 0 {
		t.Errorf("Active() = %d after Stop()", acc.Active())
	}
}

func TestServer_Relay(t *testing.T) {
	srv, _ := startServer(t)
	alice := dialLine(t, srv.Addr())
	bob := dialLine(t, srv.Addr())

	alice.send(t, `{"type":"auth","payload":{"token":"alice"}}`)
	if got := alice.recv(t); got != `{"type":"auth_ok","payload":{}}` {
		t.Fatalf("alice auth: %s", got)
	}
	bob.send(t, `{"type":"auth","payload":{"token":"bob"}}`)
	if got := bob.recv(t); got != `{"type":"auth_ok","payload":{}}` {
		t.Fatalf("bob auth: %s", got)
	}

	alice.send(t, `{"type":"text","payload":{"to":"bob","text":"hi"}}`)
	if got := bob.recv(t); got != `{"type":"text","payload":{"from":"alice","text":"hi"}}` {
		t.Errorf("bob received %s", got)
	}

	alice.send(t, `{"type":"text","payload":{"to":"carol","text":"hi"}}`)
	if got := alice.recv(t); got != `{"type":"error","payload":{"msg":"user_offline","user":"carol"}}` {
		t.Errorf("alice received %s", got)
	}
}

func TestServer_EmptyTokenDrops(t *testing.T) {
	srv, acc := startServer(t)
	c := dialLine(t, srv.Addr())

	c.send(t, `{"type":"auth","payload":{"token":""}}`)

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.r.ReadString('\n'); err == nil {
		t.Error("expected the connection to be dropped")
	}
	if acc.Directory().Count() != 0 {
		t.Errorf("directory has %d entries", acc.Directory().Count())
	}
}
