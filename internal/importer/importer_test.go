package importer

import (
	"bufio"
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/dispatch"
	"github.com/quasarcache/quasar/internal/pool"
	"github.com/stretchr/testify/require"
)

func fakeStore(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

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
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					w.WriteString("STORED\r\n")
					w.Flush()
					// drain the data block + trailing CRLF the caller wrote
					// after the header; a real backend parses bytes from
					// the header instead of discarding blindly.
					r.ReadString('\n')
				}
			}()
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestImportFromLocalFile(t *testing.T) {
	addr, closeStore := fakeStore(t)
	defer closeStore()

	fleet := backend.NewFleet(1)
	n := backend.NewNode(addr[:len(addr)-6], 0, 0)
	n.ID = addr
	n.ProbeOK()
	fleet.AddNode(n)

	d := dispatch.New(fleet, pool.Config{InitConns: 1, ExtConns: 1, WaitTime: time.Second}, 0, time.Second)

	f, err := os.CreateTemp(t.TempDir(), "import-*.txt")
	require.NoError(t, err)
	_, err = f.WriteString("set foo 0 0\nbar\nset baz 1 0\nqux\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	count, err := Import(context.Background(), f.Name(), d)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
