package dispatch

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/pool"
	"github.com/stretchr/testify/require"
)

// fakeBackend runs a trivial in-memory store speaking enough of the
// memcached ASCII protocol for dispatcher tests.
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
						_, _ = ioReadFullForTest(r, data)
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
	line = line[:len(line)-2] // strip \r\n
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
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
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

func ioReadFullForTest(r *bufio.Reader, buf []byte) (int, error) {
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

func newTestFleet(t *testing.T, replications int, addrs ...string) *backend.Fleet {
	t.Helper()
	f := backend.NewFleet(replications)
	for _, addr := range addrs {
		n := backend.NewNode(addr[:len(addr)-6], 0, 0)
		n.ID = addr
		n.ProbeOK()
		f.AddNode(n)
	}
	return f
}

func TestDispatcherSetGetDelete(t *testing.T) {
	addr, closeFn := fakeBackend(t)
	defer closeFn()

	fleet := newTestFleet(t, 1, addr)
	d := New(fleet, pool.Config{InitConns: 1, ExtConns: 1, WaitTime: time.Second}, 0, time.Second)

	_, err := d.Set(context.Background(), Item{Key: "foo", Data: []byte("bar")})
	require.NoError(t, err)

	item, ok, err := d.Get(context.Background(), "foo")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("bar"), item.Data)

	deleted, err := d.Delete(context.Background(), "foo")
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err = d.Get(context.Background(), "foo")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDispatcherWaitsForLockedNodeToBecomeActive(t *testing.T) {
	addr, closeFn := fakeBackend(t)
	defer closeFn()

	fleet := newTestFleet(t, 1, addr)
	n, _ := fleet.Node(addr)
	require.True(t, n.TryLock("membership"))

	d := New(fleet, pool.Config{InitConns: 1, ExtConns: 1, WaitTime: time.Second}, 0, 500*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		n.Unlock("membership")
	}()

	_, err := d.Set(context.Background(), Item{Key: "foo", Data: []byte("bar")})
	require.NoError(t, err)
}

func TestDispatcherFailsFastOnInactiveNode(t *testing.T) {
	fleet := backend.NewFleet(1)
	n := backend.NewNode("127.0.0.1", 0, 0)
	n.ID = "127.0.0.1:0"
	fleet.AddNode(n)
	n.ProbeOK()
	n.ProbeFail(1)
	require.Equal(t, backend.StatusInactive, n.Status())

	d := New(fleet, pool.Config{InitConns: 1, ExtConns: 1, WaitTime: time.Second}, 0, 2*time.Second)

	start := time.Now()
	_, err := d.Get(context.Background(), "foo")
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestDispatcherGivesUpOnLockedNodeAfterLockWaitTime(t *testing.T) {
	fleet := newTestFleet(t, 1, "127.0.0.1:0")
	n, _ := fleet.Node("127.0.0.1:0")
	require.True(t, n.TryLock("membership"))

	d := New(fleet, pool.Config{InitConns: 1, ExtConns: 1, WaitTime: time.Second}, 0, 100*time.Millisecond)

	_, err := d.Get(context.Background(), "foo")
	require.Error(t, err)
}
