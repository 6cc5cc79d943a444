package relay

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/tenzoki/relaybroker/internal/logging"
)

// testClient is a thin line-oriented wrapper around a dialed connection,
// used to script the end-to-end scenarios from the specification.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v (wanted %q)", err, want)
	}
	if line[:len(line)-1] != want {
		c.t.Fatalf("got %q, want %q", line[:len(line)-1], want)
	}
}

func (c *testClient) expectNone() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	line, err := c.r.ReadString('\n')
	if err == nil {
		c.t.Fatalf("expected no line, got %q", line)
	}
}

func startTestServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(logging.New(discardWriter{}, ""))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ServeListener(ctx, ln)
	return ln.Addr().String()
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestNameQueryEcho(t *testing.T) {
	addr := startTestServer(t)
	a := dialTestClient(t, addr)
	a.expect("# login: u1")

	a.send("name")
	a.expect("% name: u1")

	a.send("name alice")
	a.expect("% name: alice")
	a.expect("# name: u1 becomes alice")
}

func TestDirectedMessage(t *testing.T) {
	addr := startTestServer(t)
	a := dialTestClient(t, addr)
	a.expect("# login: u1")
	a.send("name alice")
	a.expect("% name: alice")
	a.expect("# name: u1 becomes alice")

	b := dialTestClient(t, addr)
	a.expect("# login: u2")
	b.expect("# login: u2")
	b.send("name bob")
	b.expect("% name: bob")
	a.expect("# name: u2 becomes bob")
	b.expect("# name: u2 becomes bob")

	a.send("bob << hi")
	b.expect("alice >> hi")
	a.expectNone()
}

func TestWildcardBroadcast(t *testing.T) {
	addr := startTestServer(t)
	a := dialTestClient(t, addr)
	a.expect("# login: u1")
	a.send("name alice")
	a.expect("% name: alice")
	a.expect("# name: u1 becomes alice")

	b := dialTestClient(t, addr)
	drainLogins(a, b)
	b.send("name bob")
	b.expect("% name: bob")
	drainRenames(a, b)

	c := dialTestClient(t, addr)
	drainLogins(a, b, c)
	c.send("name carol")
	c.expect("% name: carol")
	drainRenames(a, b, c)

	a.send("b* << hey")
	a.expect("# broadcast: bob")
	b.expect("alice >> hey")
	c.expectNone()
}

func TestDuplicateRenameRejected(t *testing.T) {
	addr := startTestServer(t)
	a := dialTestClient(t, addr)
	a.expect("# login: u1")
	a.send("name alice")
	a.expect("% name: alice")
	a.expect("# name: u1 becomes alice")

	b := dialTestClient(t, addr)
	drainLogins(a, b)

	b.send("name alice")
	b.expect("% failed name: invalid or duplicate")
}

func TestWhoListsEveryoneAndLooksUpOne(t *testing.T) {
	addr := startTestServer(t)
	a := dialTestClient(t, addr)
	a.expect("# login: u1")

	a.send("who")
	a.expect("% who: u1")

	a.send("who u1")
	line := readAny(t, a)
	if line == "" {
		t.Fatalf("expected a who reply")
	}
}

func TestProtocolVersion(t *testing.T) {
	addr := startTestServer(t)
	a := dialTestClient(t, addr)
	a.expect("# login: u1")

	a.send("protocol 0")
	a.expect("% protocol: 0")

	a.send("protocol 7")
	a.expect("% failed protocol: unsupported")
}

func readAny(t *testing.T, c *testClient) string {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return line[:len(line)-1]
}

// drainLogins consumes the one "# login: uN" notification fan-out caused by
// the most recently dialed client joining, observed by everyone already
// connected (including itself).
func drainLogins(clients ...*testClient) {
	for _, c := range clients {
		readAny(c.t, c)
	}
}

// drainRenames consumes the "# name: old becomes new" broadcast.
func drainRenames(clients ...*testClient) {
	for _, c := range clients {
		readAny(c.t, c)
	}
}
