// Package dispatch resolves a key to its owning backend node(s), executes
// single-key get/set/delete and raw commands against the primary owner,
// and fails over to the next ring successor on error (spec §4 / §5).
// Multi-key GETs are split per key by the caller (internal/protocol).
package dispatch

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/quasarcache/quasar/internal/gwerrors"
)

// Item is one stored value, either read back from a backend or about to be
// written to one.
type Item struct {
	Key     string
	Flags   uint32
	Exptime int
	Data    []byte
}

// Datablock is the raw stat+cas+payload triple the bget/bset backend wire
// extensions exchange (spec §6). Unlike Item it carries no flags/exptime —
// it is the backend's own opaque record, round-tripped byte-for-byte so
// that replication and redistribution never have to reinterpret a value
// the gateway didn't write itself.
type Datablock struct {
	Stat byte
	Cas  uint64
	Data []byte
}

const (
	bgetMarkFound    = 'V'
	bgetMarkNotFound = 'n'
	bgetMarkError    = 'e'
)

// SendBget writes "bget <key>\r\n".
func SendBget(w *bufio.Writer, key string) error {
	return writeLine(w, "bget "+key)
}

// RecvBget reads a bget reply: a single status byte, then — only when that
// byte is 'V' — the fixed-layout datablock from spec §6:
// size(4)|stat(1)|cas(8)|data(size). size and cas are carried in the raw
// byte order the original dinio implementation's recv_int/recv_int64
// helpers use (a plain memcpy onto the wire, not a network-order
// conversion); this port uses little-endian to match. ok is false with a
// nil error when the backend reports the key missing ('n').
func RecvBget(r *bufio.Reader) (db *Datablock, ok bool, err error) {
	mark, err := r.ReadByte()
	if err != nil {
		return nil, false, err
	}
	switch mark {
	case bgetMarkNotFound:
		return nil, false, nil
	case bgetMarkError:
		return nil, false, fmt.Errorf("%w: bget error reply", gwerrors.ErrBackendProtocol)
	case bgetMarkFound:
		// fall through to datablock decode below.
	default:
		return nil, false, fmt.Errorf("%w: unexpected bget mark %q", gwerrors.ErrBackendProtocol, mark)
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, false, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])

	stat, err := r.ReadByte()
	if err != nil {
		return nil, false, err
	}

	var casBuf [8]byte
	if _, err := io.ReadFull(r, casBuf[:]); err != nil {
		return nil, false, err
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, false, err
	}

	return &Datablock{Stat: stat, Cas: binary.LittleEndian.Uint64(casBuf[:]), Data: data}, true, nil
}

// SendBset writes "bset <key>\r\n" followed immediately by db's
// size|stat|cas|data datablock — unlike SendSet, there is no trailing CRLF
// after the data (spec §6).
func SendBset(w *bufio.Writer, key string, db Datablock) error {
	if _, err := w.WriteString("bset " + key + "\r\n"); err != nil {
		return err
	}
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(db.Data)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	if err := w.WriteByte(db.Stat); err != nil {
		return err
	}
	var casBuf [8]byte
	binary.LittleEndian.PutUint64(casBuf[:], db.Cas)
	if _, err := w.Write(casBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(db.Data); err != nil {
		return err
	}
	return w.Flush()
}

// RecvBset reads the 2-byte "OK"/"ER" reply to a bset command — a raw byte
// pair, not a CRLF-terminated line (spec §6).
func RecvBset(r *bufio.Reader) error {
	var reply [2]byte
	if _, err := io.ReadFull(r, reply[:]); err != nil {
		return err
	}
	if reply[0] != 'O' || reply[1] != 'K' {
		return fmt.Errorf("%w: bset rejected", gwerrors.ErrBackendProtocol)
	}
	return nil
}

// writeLine writes s followed by "\r\n".
func writeLine(w *bufio.Writer, s string) error {
	if _, err := w.WriteString(s); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// readLine reads one line with the trailing "\r\n" stripped.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// SendGet writes "get <key>\r\n" to the backend.
func SendGet(w *bufio.Writer, key string) error {
	return writeLine(w, "get "+key)
}

// RecvGet reads a single-key GET response: either "VALUE <key> <flags>
// <bytes>\r\n<data>\r\nEND\r\n" or "END\r\n" if the key is missing.
func RecvGet(r *bufio.Reader) (*Item, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if line == "END" {
		return nil, nil
	}

	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "VALUE" {
		return nil, fmt.Errorf("%w: unexpected GET reply %q", gwerrors.ErrBackendProtocol, line)
	}
	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad flags in %q", gwerrors.ErrBackendProtocol, line)
	}
	n, err := strconv.Atoi(fields[3])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad length in %q", gwerrors.ErrBackendProtocol, line)
	}

	data := make([]byte, n+2) // +2 for trailing \r\n
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	// drain the terminating "END\r\n"
	end, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if end != "END" {
		return nil, fmt.Errorf("%w: expected END after VALUE, got %q", gwerrors.ErrBackendProtocol, end)
	}

	return &Item{Key: fields[1], Flags: uint32(flags), Data: data[:n]}, nil
}

// SendSet writes the "set" command line followed by the inline data block.
func SendSet(w *bufio.Writer, it Item) error {
	header := fmt.Sprintf("set %s %d %d %d", it.Key, it.Flags, it.Exptime, len(it.Data))
	if _, err := w.WriteString(header); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(it.Data); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// RecvSet reads the single-line reply to a "set" command.
func RecvSet(r *bufio.Reader) error {
	line, err := readLine(r)
	if err != nil {
		return err
	}
	switch line {
	case "STORED":
		return nil
	case "NOT_STORED":
		return errors.New("dispatch: not stored")
	case "EXISTS":
		return errors.New("dispatch: exists")
	default:
		return fmt.Errorf("%w: unexpected SET reply %q", gwerrors.ErrBackendProtocol, line)
	}
}

// SendRaw writes line verbatim (with trailing CRLF) to the backend — used
// for commands the gateway routes but does not otherwise interpret
// (incr/decr), where the original client line is simply forwarded.
func SendRaw(w *bufio.Writer, line string) error {
	return writeLine(w, line)
}

// RecvRawLine reads one reply line back from the backend, stripped of its
// trailing CRLF.
func RecvRawLine(r *bufio.Reader) (string, error) {
	return readLine(r)
}

// SendDelete writes "delete <key>\r\n".
func SendDelete(w *bufio.Writer, key string) error {
	return writeLine(w, "delete "+key)
}

// RecvDelete reads the single-line reply to a "delete" command.
func RecvDelete(r *bufio.Reader) (deleted bool, err error) {
	line, err := readLine(r)
	if err != nil {
		return false, err
	}
	switch line {
	case "DELETED":
		return true, nil
	case "NOT_FOUND":
		return false, nil
	default:
		return false, fmt.Errorf("%w: unexpected DELETE reply %q", gwerrors.ErrBackendProtocol, line)
	}
}

