package protocol

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/dispatch"
	"github.com/quasarcache/quasar/internal/logging"
	"github.com/quasarcache/quasar/internal/membership"
	"github.com/quasarcache/quasar/internal/replication"
)

// Server is the gateway's client-facing TCP front-end. It owns nothing
// beyond accept/parse/frame — actual key routing, including the
// check_server wait for a LOCKED/PREPARE owner bounded by lock_wait_time,
// lives in internal/dispatch; membership changes live in
// internal/membership.
type Server struct {
	fleet       *backend.Fleet
	dispatcher  *dispatch.Dispatcher
	replication *replication.Engine
	coordinator *membership.Coordinator

	listener net.Listener
	done     chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Deps bundles the collaborators a Server dispatches parsed commands to.
type Deps struct {
	Fleet       *backend.Fleet
	Dispatcher  *dispatch.Dispatcher
	Replication *replication.Engine
	Coordinator *membership.Coordinator
}

// New builds a Server. Call ListenAndServe to start accepting connections.
func New(deps Deps) *Server {
	return &Server{
		fleet:       deps.Fleet,
		dispatcher:  deps.Dispatcher,
		replication: deps.Replication,
		coordinator: deps.Coordinator,
		done:        make(chan struct{}),
		conns:       make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds addr and accepts connections until Close is called.
func (s *Server) ListenAndServe(addr string, backlog int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("protocol: listen %s: %w", addr, err)
	}
	logging.Op().Info("client front-end listening", "addr", ln.Addr().String(), "backlog", backlog)
	return s.Serve(ln)
}

// Serve accepts connections on an already-bound listener until Close is
// called — split out from ListenAndServe so tests can bind an ephemeral
// port themselves.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				logging.Op().Warn("accept failed", "error", err)
				continue
			}
		}
		s.trackConn(conn, true)
		go s.handleConnection(conn)
	}
}

// Close stops accepting new connections and closes every tracked one.
func (s *Server) Close() error {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	return nil
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// isLoopback reports whether conn's remote address is 127.0.0.1/::1 — the
// admin verbs are authorized only from a loopback connection (spec §6).
func isLoopback(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// handleConnection drains one client's pipelined command stream until EOF
// or an unrecoverable framing error.
func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		s.trackConn(conn, false)
	}()

	loopback := isLoopback(conn)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, perr := ParseLine(line)
		if perr != nil {
			writeError(w, perr)
			w.Flush()
			continue
		}

		if cmd.Group == GroupAdmin && !loopback {
			writeErrorMsg(w, "admin commands are loopback-only")
			w.Flush()
			continue
		}

		if cmd.Group == GroupStorage {
			data := make([]byte, cmd.Bytes+2)
			if _, err := readFullOrDrain(r, data); err != nil {
				return
			}
			if !strings.HasSuffix(string(data), "\r\n") {
				writeErrorMsg(w, "bad data chunk")
				w.Flush()
				continue
			}
			cmd.Data = data[:cmd.Bytes]
		}

		ctx := context.Background()
		if err := s.dispatchCommand(ctx, w, cmd); err != nil {
			logging.Op().Warn("command dispatch failed", "verb", cmd.Verb, "error", err)
		}

		if cmd.Verb == "quit" {
			w.Flush()
			return
		}
		w.Flush()
	}
}

// readFullOrDrain reads len(buf) bytes, returning an error only on
// connection failure — a malformed size is instead handled by the caller
// rejecting the trailing CRLF check.
func readFullOrDrain(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeError(w *bufio.Writer, err error) {
	writeErrorMsg(w, err.Error())
}

func writeErrorMsg(w *bufio.Writer, msg string) {
	if msg == "" {
		w.WriteString("ERROR\r\n")
		return
	}
	w.WriteString("ERROR " + msg + "\r\n")
}
