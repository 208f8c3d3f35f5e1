package protocol

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/dispatch"
	"github.com/quasarcache/quasar/internal/membership"
	"github.com/quasarcache/quasar/internal/peerproto"
	"github.com/quasarcache/quasar/internal/pool"
	"github.com/quasarcache/quasar/internal/replication"
	"github.com/stretchr/testify/require"
)

// fakeBackend runs a trivial in-memory store speaking enough of the
// memcached ASCII protocol for end-to-end front-end tests.
func fakeBackend(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	store := make(map[string][]byte)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				w := bufio.NewWriter(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					fields := splitFields(line)
					if len(fields) == 0 {
						continue
					}
					switch fields[0] {
					case "get":
						v, ok := store[fields[1]]
						if !ok {
							w.WriteString("END\r\n")
						} else {
							w.WriteString("VALUE " + fields[1] + " 0 " + itoa(len(v)) + "\r\n")
							w.Write(v)
							w.WriteString("\r\nEND\r\n")
						}
						w.Flush()
					case "set":
						n := atoi(fields[4])
						data := make([]byte, n+2)
						readFullTest(r, data)
						store[fields[1]] = data[:n]
						w.WriteString("STORED\r\n")
						w.Flush()
					case "delete":
						if _, ok := store[fields[1]]; ok {
							delete(store, fields[1])
							w.WriteString("DELETED\r\n")
						} else {
							w.WriteString("NOT_FOUND\r\n")
						}
						w.Flush()
					}
				}
			}()
		}
	}()
	return ln.Addr().String(), func() { _ = ln.Close() }
}

func splitFields(line string) []string {
	line = line[:len(line)-2]
	var out []string
	start := -1
	for i, c := range line {
		if c == ' ' {
			if start >= 0 {
				out = append(out, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, line[start:])
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func readFullTest(r *bufio.Reader, buf []byte) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return
		}
	}
}

func newTestServer(t *testing.T, backendAddr string) (clientAddr string, closeFn func()) {
	t.Helper()
	fleet := backend.NewFleet(1)
	n := backend.NewNode(backendAddr[:len(backendAddr)-6], 0, 0)
	n.ID = backendAddr
	n.ProbeOK()
	fleet.AddNode(n)

	d := dispatch.New(fleet, pool.Config{InitConns: 1, ExtConns: 1, WaitTime: time.Second}, 0, time.Second)
	repl := replication.New(d, replication.Config{Workers: 1, QueueDepth: 4})
	coord := membership.New(fleet, nil, peerproto.NewClient(time.Second), nil)

	srv := New(Deps{Fleet: fleet, Dispatcher: d, Replication: repl, Coordinator: coord})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)

	return ln.Addr().String(), func() { srv.Close() }
}

func TestServerSetGetDelete(t *testing.T) {
	backendAddr, closeBackend := fakeBackend(t)
	defer closeBackend()
	clientAddr, closeSrv := newTestServer(t, backendAddr)
	defer closeSrv()

	conn, err := net.Dial("tcp", clientAddr)
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	w.WriteString("set foo 0 0 3\r\nbar\r\n")
	w.Flush()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "STORED\r\n", line)

	w.WriteString("get foo\r\n")
	w.Flush()
	valueLine, _ := r.ReadString('\n')
	require.Contains(t, valueLine, "VALUE foo 0 3")
	dataLine, _ := r.ReadString('\n')
	require.Equal(t, "bar\r\n", dataLine)
	endLine, _ := r.ReadString('\n')
	require.Equal(t, "END\r\n", endLine)

	w.WriteString("delete foo\r\n")
	w.Flush()
	line, _ = r.ReadString('\n')
	require.Equal(t, "DELETED\r\n", line)
}

func TestServerHashServerAdminCommand(t *testing.T) {
	backendAddr, closeBackend := fakeBackend(t)
	defer closeBackend()
	clientAddr, closeSrv := newTestServer(t, backendAddr)
	defer closeSrv()

	conn, err := net.Dial("tcp", clientAddr)
	require.NoError(t, err)
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	w.WriteString("__/hashserver/__ foo\r\n")
	w.Flush()

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "foo -> "+backendAddr)

	end, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "END\r\n", end)
}

func TestParseLineRejectsBadArity(t *testing.T) {
	_, err := ParseLine("set onlykey")
	require.Error(t, err)

	cmd, err := ParseLine("get a b c")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, cmd.Keys)
}
