package smtp

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal SMTP server for testing.
type fakeServer struct {
	listener net.Listener
	reject   string // RCPT addresses containing this are refused

	connections atomic.Int32
	mx          sync.Mutex
	messages    []string
}

func startFakeServer(t *testing.T, reject string) *fakeServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to start SMTP server")

	server := &fakeServer{listener: listener, reject: reject}
	go server.serve()

	t.Cleanup(func() { listener.Close() })
	return server
}

func (s *fakeServer) config() Config {
	addr := s.listener.Addr().(*net.TCPAddr)
	return Config{
		Host: "127.0.0.1",
		Port: addr.Port,
		From: "default@example.com",
	}
}

func (s *fakeServer) received() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]string(nil), s.messages...)
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // listener closed
		}
		s.connections.Add(1)

		go func() {
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	reply := func(line string) {
		writer.WriteString(line + "\r\n")
		writer.Flush()
	}

	reply("220 localhost ESMTP Test Server")

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "EHLO") || strings.HasPrefix(line, "HELO"):
			reply("250-localhost\r\n250-SIZE 10240000\r\n250 HELP")
		case strings.HasPrefix(line, "MAIL FROM:"):
			reply("250 OK")
		case strings.HasPrefix(line, "RCPT TO:"):
			if s.reject != "" && strings.Contains(line, s.reject) {
				reply("550 mailbox unavailable")
			} else {
				reply("250 OK")
			}
		case line == "DATA":
			reply("354 End data with <CR><LF>.<CR><LF>")
			var data strings.Builder
			for {
				dl, err := reader.ReadString('\n')
				if err != nil {
					return
				}
				if strings.TrimRight(dl, "\r\n") == "." {
					break
				}
				data.WriteString(dl)
			}
			s.mx.Lock()
			s.messages = append(s.messages, data.String())
			s.mx.Unlock()
			reply("250 OK: queued")
		case line == "RSET" || line == "NOOP":
			reply("250 OK")
		case line == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("502 Command not implemented")
		}
	}
}
