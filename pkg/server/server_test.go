package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func startServer(t *testing.T, opts Options) (*Server, net.Addr, <-chan error) {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: unexpected error: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return s, ln.Addr(), served
}

// waitClients polls the registry until n clients are registered.
func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		reply := make(chan []ClientID, 1)
		s.registry.Events() <- StatsRequest{Reply: reply}
		ids := <-reply
		if len(ids) == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d registered clients, still have %d", n, len(ids))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// name is how the server renders this client before a nickname is set.
func (c *testClient) name() string {
	return c.conn.LocalAddr().String()
}

func (c *testClient) send(text string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, text); err != nil {
		c.t.Fatalf("write %q: %v", text, err)
	}
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("reading %q: %v (got %q)", want, err, got)
	}
	if got != want {
		c.t.Errorf("expected %q, got %q", want, got)
	}
}

func TestServer_RelaysBetweenClients(t *testing.T) {
	s, addr, _ := startServer(t, Options{})

	alice, bob, carol := dial(t, addr), dial(t, addr), dial(t, addr)
	waitClients(t, s, 3)

	alice.send("/setnickname alice\n")
	alice.expect(RplOk)

	alice.send("hello\n")
	bob.expect("alice: hello\n")
	carol.expect("alice: hello\n")

	carol.send("/foo bar\n")
	carol.expect(ErrInvalidCommand)

	bob.send("plain text\n")
	alice.expect(bob.name() + ": plain text\n")
	carol.expect(bob.name() + ": plain text\n")
}

func TestServer_InvalidBytesAreReplaced(t *testing.T) {
	s, addr, _ := startServer(t, Options{})

	sender, receiver := dial(t, addr), dial(t, addr)
	waitClients(t, s, 2)

	sender.conn.Write([]byte{'a', 0xff, 'b', '\n'})
	receiver.expect(sender.name() + ": a\uFFFDb\n")
}

func TestServer_RepliesAfterHalfClose(t *testing.T) {
	s, addr, _ := startServer(t, Options{})

	for i := 0; i < 20; i++ {
		c := dial(t, addr)
		c.send("/setnickname bob\n")
		if err := c.conn.(*net.TCPConn).CloseWrite(); err != nil {
			t.Fatalf("CloseWrite: %v", err)
		}
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := io.ReadAll(c.reader)
		if err != nil {
			t.Fatalf("attempt %d: read: %v", i, err)
		}
		if string(got) != RplOk {
			t.Fatalf("attempt %d: expected %q, got %q", i, RplOk, got)
		}
	}
	waitClients(t, s, 0)
}

func TestServer_DisconnectLeavesOthersWorking(t *testing.T) {
	s, addr, _ := startServer(t, Options{})

	a, b, c := dial(t, addr), dial(t, addr), dial(t, addr)
	waitClients(t, s, 3)

	b.conn.Close()
	waitClients(t, s, 2)

	a.send("still there?\n")
	c.expect(a.name() + ": still there?\n")
}

func TestServer_LineFraming(t *testing.T) {
	s, addr, _ := startServer(t, Options{Framing: FramingLine})

	a, b := dial(t, addr), dial(t, addr)
	waitClients(t, s, 2)

	a.send("hel")
	time.Sleep(20 * time.Millisecond)
	a.send("lo\n")
	b.expect(a.name() + ": hello\n")
}

func TestServer_Shutdown(t *testing.T) {
	s, addr, served := startServer(t, Options{})

	a, b := dial(t, addr), dial(t, addr)
	waitClients(t, s, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-served:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve: expected %v, got %v", ErrServerClosed, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	for _, c := range []*testClient{a, b} {
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.reader.ReadByte(); err == nil {
			t.Error("expected connection to be closed by shutdown")
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := s.Serve(ln); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Serve after Shutdown: expected %v, got %v", ErrServerClosed, err)
	}

	client, server := net.Pipe()
	s.HandleClient(server)
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Error("HandleClient after Shutdown should close the connection")
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	if _, err := New(Options{Framing: "bytes"}); err == nil {
		t.Error("expected error for unknown framing")
	}
	if _, err := New(Options{SlowClientPolicy: "ignore"}); err == nil {
		t.Error("expected error for unknown slow client policy")
	}
}
