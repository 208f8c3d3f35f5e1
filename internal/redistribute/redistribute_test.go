package redistribute

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quasarcache/quasar/internal/backend"
	"github.com/quasarcache/quasar/internal/dispatch"
	"github.com/quasarcache/quasar/internal/pool"
	"github.com/stretchr/testify/require"
)

// kvBackend is a minimal in-memory store speaking enough of the ASCII
// (get/set/delete) and binary (bget/bset/bkeys) backend wire protocols to
// exercise key migration end to end. Values are kept as datablocks so a
// plain ASCII set (used to seed test fixtures) can be read back through
// the binary bget path, mirroring how a real backend serves both.
type kvBackend struct {
	mu   sync.Mutex
	data map[string]dispatch.Datablock
}

func newKVBackend(t *testing.T) (addr string, store *kvBackend, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	store = &kvBackend{data: make(map[string]dispatch.Datablock)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go store.serve(conn)
		}
	}()
	return ln.Addr().String(), store, func() { _ = ln.Close() }
}

func (s *kvBackend) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "get":
			s.mu.Lock()
			db, ok := s.data[fields[1]]
			s.mu.Unlock()
			if !ok {
				w.WriteString("END\r\n")
			} else {
				w.WriteString("VALUE " + fields[1] + " 0 " + itoa(len(db.Data)) + "\r\n")
				w.Write(db.Data)
				w.WriteString("\r\nEND\r\n")
			}
			w.Flush()
		case "set":
			n := atoi(fields[4])
			buf := make([]byte, n+2)
			readFull(r, buf)
			s.mu.Lock()
			s.data[fields[1]] = dispatch.Datablock{Data: buf[:n]}
			s.mu.Unlock()
			w.WriteString("STORED\r\n")
			w.Flush()
		case "delete":
			s.mu.Lock()
			_, ok := s.data[fields[1]]
			delete(s.data, fields[1])
			s.mu.Unlock()
			if ok {
				w.WriteString("DELETED\r\n")
			} else {
				w.WriteString("NOT_FOUND\r\n")
			}
			w.Flush()
		case "bget":
			s.mu.Lock()
			db, ok := s.data[fields[1]]
			s.mu.Unlock()
			if !ok {
				w.WriteByte('n')
				w.Flush()
				continue
			}
			w.WriteByte('V')
			var sizeBuf [4]byte
			binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(db.Data)))
			w.Write(sizeBuf[:])
			w.WriteByte(db.Stat)
			var casBuf [8]byte
			binary.LittleEndian.PutUint64(casBuf[:], db.Cas)
			w.Write(casBuf[:])
			w.Write(db.Data)
			w.Flush()
		case "bset":
			var sizeBuf [4]byte
			readFull(r, sizeBuf[:])
			size := binary.LittleEndian.Uint32(sizeBuf[:])
			stat, _ := r.ReadByte()
			var casBuf [8]byte
			readFull(r, casBuf[:])
			data := make([]byte, size)
			readFull(r, data)
			s.mu.Lock()
			s.data[fields[1]] = dispatch.Datablock{Stat: stat, Cas: binary.LittleEndian.Uint64(casBuf[:]), Data: data}
			s.mu.Unlock()
			w.WriteString("OK")
			w.Flush()
		case "bkeys":
			s.mu.Lock()
			for k := range s.data {
				w.WriteByte(byte(len(k)))
				w.WriteString(k)
			}
			s.mu.Unlock()
			w.WriteByte(0)
			w.Flush()
		}
	}
}

func (s *kvBackend) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
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

func readFull(r *bufio.Reader, buf []byte) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return
		}
	}
}

func TestRedistributeForAddMovesOwnedKeysAndDropsOldCopy(t *testing.T) {
	addr1, store1, close1 := newKVBackend(t)
	defer close1()
	addr2, store2, close2 := newKVBackend(t)
	defer close2()

	fleet := backend.NewFleet(1)
	n1 := backend.NewNode(addr1[:len(addr1)-6], 0, 100)
	n1.ID = addr1
	n1.ProbeOK()
	fleet.AddNode(n1)

	d := dispatch.New(fleet, pool.Config{InitConns: 2, ExtConns: 2, WaitTime: time.Second}, 0, time.Second)
	for i := 0; i < 20; i++ {
		key := "key" + itoa(i)
		_, err := d.Set(context.Background(), dispatch.Item{Key: key, Data: []byte(key)})
		require.NoError(t, err)
	}
	require.NotEmpty(t, store1.keys())

	n2 := backend.NewNode(addr2[:len(addr2)-6], 0, 100)
	n2.ID = addr2
	n2.ProbeOK()
	fleet.AddNode(n2)

	r := New(fleet, d)
	require.NoError(t, r.Run(context.Background(), n2.ID, "add"))

	store2Keys := store2.keys()
	require.NotEmpty(t, store2Keys, "some keys should have moved to the new node")

	// replications=1 means no replica copies to preserve: every migrated
	// key must have been deleted from its old owner, not duplicated.
	for _, k := range store2Keys {
		store1.mu.Lock()
		_, stillOnOld := store1.data[k]
		store1.mu.Unlock()
		require.False(t, stillOnOld, "key %s should have been removed from the old owner", k)
	}
}

func TestRedistributeForAddPreservesReplicaWhenReplicationEnabled(t *testing.T) {
	addr1, store1, close1 := newKVBackend(t)
	defer close1()
	addr2, store2, close2 := newKVBackend(t)
	defer close2()
	addr3, _, close3 := newKVBackend(t)
	defer close3()

	fleet := backend.NewFleet(2)
	n1 := backend.NewNode(addr1[:len(addr1)-6], 0, 100)
	n1.ID = addr1
	n1.ProbeOK()
	fleet.AddNode(n1)
	n3 := backend.NewNode(addr3[:len(addr3)-6], 0, 100)
	n3.ID = addr3
	n3.ProbeOK()
	fleet.AddNode(n3)

	d := dispatch.New(fleet, pool.Config{InitConns: 2, ExtConns: 2, WaitTime: time.Second}, 0, time.Second)
	for i := 0; i < 20; i++ {
		key := "key" + itoa(i)
		_, err := d.Set(context.Background(), dispatch.Item{Key: key, Data: []byte(key)})
		require.NoError(t, err)
	}

	n2 := backend.NewNode(addr2[:len(addr2)-6], 0, 100)
	n2.ID = addr2
	n2.ProbeOK()
	fleet.AddNode(n2)

	r := New(fleet, d)
	require.NoError(t, r.Run(context.Background(), n2.ID, "add"))

	// With replications=2 the pivot stays in every moved key's replica
	// chain and keeps its copy; the delete goes to the node one hop past
	// the pivot. Keys were written only to their primary owner, so that
	// delete never hits a key n1 holds, and n1 keeps its keys.
	require.NotEmpty(t, store1.keys())
	_ = store2
}
