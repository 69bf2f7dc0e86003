// File: server/server_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server_test

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/momentics/wsendpoint/api"
	"github.com/momentics/wsendpoint/server"
)

const testTimeout = 5 * time.Second

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	s, err := server.Listen("127.0.0.1:0", server.WithEndpointOptions(api.DefaultOptions()))
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { s.Shutdown() })
	return s, s.Addr().String()
}

func dialServer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(testTimeout))
	return conn
}

func awaitRequest(t *testing.T, s *server.Server) *server.Request {
	t.Helper()
	select {
	case req := <-s.Requests():
		return req
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a request")
		return nil
	}
}

// readResponseHead consumes the status line and headers.
func readResponseHead(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		b.WriteString(line)
		if line == "\r\n" {
			return b.String()
		}
	}
}

const upgradeRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: example.test\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n" +
	"Sec-WebSocket-Protocol: chat\r\n" +
	"\r\n"

func TestUpgradeAndFrameExchange(t *testing.T) {
	s, addr := startServer(t)
	conn := dialServer(t, addr)
	reader := bufio.NewReader(conn)

	if _, err := conn.Write([]byte(upgradeRequest)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	req := awaitRequest(t, s)
	if !req.UpgradeRequested || req.Target != "/chat" || req.Host != "example.test" {
		t.Fatalf("request %+v", req)
	}
	if len(req.Subprotocols) != 1 || req.Subprotocols[0] != "chat" {
		t.Fatalf("subprotocols %v", req.Subprotocols)
	}

	ep, err := req.Upgrade("chat", map[string]string{"X-Served-By": "unit"}, nil)
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	head := readResponseHead(t, reader)
	if !strings.HasPrefix(head, "HTTP/1.1 101 Switching Protocols\r\n") {
		t.Fatalf("response head: %q", head)
	}
	if !strings.Contains(head, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n") {
		t.Fatalf("response head lacks the accept digest: %q", head)
	}
	if !strings.Contains(head, "Sec-WebSocket-Protocol: chat\r\n") {
		t.Fatalf("response head lacks the subprotocol: %q", head)
	}
	if !strings.Contains(head, "X-Served-By: unit\r\n") {
		t.Fatalf("response head lacks the extra header: %q", head)
	}

	// The endpoint is already open.
	ev, err := ep.Next(context.Background())
	if err != nil || ev.Kind != api.EventOpen || ev.Result.Subprotocol != "chat" {
		t.Fatalf("open event %+v, err %v", ev, err)
	}

	// Client sends a masked text frame "hi".
	key := [4]byte{0x10, 0x20, 0x30, 0x40}
	frame := []byte{0x81, 0x82, key[0], key[1], key[2], key[3], 'h' ^ key[0], 'i' ^ key[1]}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	ev, err = ep.Next(context.Background())
	if err != nil || ev.Kind != api.EventText || ev.Text != "hi" {
		t.Fatalf("text event %+v, err %v", ev, err)
	}

	// Server replies; frames to the client are unmasked.
	if !ep.SendText(context.Background(), "yo") {
		t.Fatal("server send rejected")
	}
	reply := make([]byte, 4)
	if _, err := io.ReadFull(reader, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != 0x81 || reply[1] != 0x02 || string(reply[2:]) != "yo" {
		t.Fatalf("reply frame % x", reply)
	}
}

func TestRespondPlainClosesConnection(t *testing.T) {
	s, addr := startServer(t)
	conn := dialServer(t, addr)
	reader := bufio.NewReader(conn)

	conn.Write([]byte("GET /health HTTP/1.1\r\nHost: example.test\r\n\r\n"))
	req := awaitRequest(t, s)
	if req.UpgradeRequested {
		t.Fatal("plain request flagged as upgrade")
	}
	if err := req.RespondPlain(404, "nothing here"); err != nil {
		t.Fatalf("RespondPlain: %v", err)
	}

	head := readResponseHead(t, reader)
	if !strings.HasPrefix(head, "HTTP/1.1 404 Not Found\r\n") {
		t.Fatalf("response head %q", head)
	}
	body := make([]byte, len("nothing here"))
	if _, err := io.ReadFull(reader, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "nothing here" {
		t.Fatalf("body %q", body)
	}
	// reclaim: the connection is closed after resolution.
	if _, err := reader.ReadByte(); err != io.EOF {
		t.Fatalf("connection still open: %v", err)
	}
}

func TestRedirectResponse(t *testing.T) {
	s, addr := startServer(t)
	conn := dialServer(t, addr)
	reader := bufio.NewReader(conn)

	conn.Write([]byte("GET /old HTTP/1.1\r\nHost: example.test\r\n\r\n"))
	req := awaitRequest(t, s)
	if err := req.Redirect("/new", 301); err != nil {
		t.Fatalf("Redirect: %v", err)
	}
	head := readResponseHead(t, reader)
	if !strings.HasPrefix(head, "HTTP/1.1 301 Moved Permanently\r\n") ||
		!strings.Contains(head, "Location: /new\r\n") {
		t.Fatalf("response head %q", head)
	}
}

func TestDoubleResolutionRejected(t *testing.T) {
	s, addr := startServer(t)
	conn := dialServer(t, addr)
	reader := bufio.NewReader(conn)

	conn.Write([]byte("GET / HTTP/1.1\r\nHost: h\r\n\r\n"))
	req := awaitRequest(t, s)
	if err := req.RespondPlain(200, "ok"); err != nil {
		t.Fatalf("first resolution: %v", err)
	}
	if err := req.RespondPlain(200, "again"); err != server.ErrAlreadyResolved {
		t.Fatalf("second resolution: %v", err)
	}
	readResponseHead(t, reader)
}

func TestUpgradeRefusedForInvalidRequest(t *testing.T) {
	s, addr := startServer(t)
	conn := dialServer(t, addr)
	reader := bufio.NewReader(conn)

	// Missing Sec-WebSocket-Key.
	conn.Write([]byte("GET /chat HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"))
	req := awaitRequest(t, s)
	if _, err := req.Upgrade("", nil, nil); err == nil {
		t.Fatal("Upgrade accepted an invalid request")
	}
	head := readResponseHead(t, reader)
	if !strings.HasPrefix(head, "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("refusal head %q", head)
	}
}

func TestMalformedRequestGets400(t *testing.T) {
	_, addr := startServer(t)
	conn := dialServer(t, addr)
	reader := bufio.NewReader(conn)

	conn.Write([]byte("THIS IS NOT HTTP\r\n\r\n"))
	head := readResponseHead(t, reader)
	if !strings.HasPrefix(head, "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("response head %q", head)
	}
}

func TestShutdownClosesPendingConnections(t *testing.T) {
	s, addr := startServer(t)
	conn := dialServer(t, addr)

	// Half a request: the connection stays pending.
	conn.Write([]byte("GET / HTTP/1.1\r\n"))
	time.Sleep(10 * time.Millisecond)
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Shutdown(); err != server.ErrAlreadyShutdown {
		t.Fatalf("second Shutdown: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("pending connection survived shutdown")
	}
}
