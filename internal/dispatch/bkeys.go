package dispatch

import (
	"bufio"
	"fmt"
	"io"
)

// maxBkeysKeyLen mirrors the original MAX_MEMCACHED_KEYSIZE bound on a
// single key in a bkeys stream (spec §6).
const maxBkeysKeyLen = 250

// SendBkeys writes "bkeys\r\n". Unlike the rest of the backend protocol
// extensions, bkeys takes no arguments: the backend streams back every key
// it currently holds in a single unbounded pass, not a cursor-paginated
// batch (spec §6).
func SendBkeys(w *bufio.Writer) error {
	return writeLine(w, "bkeys")
}

// RecvBkeysKey reads one keylen(u8)|key entry from a bkeys stream. A
// zero-length prefix marks the end of the stream (done=true).
func RecvBkeysKey(r *bufio.Reader) (key string, done bool, err error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", true, nil
	}
	if int(n) > maxBkeysKeyLen {
		return "", false, fmt.Errorf("dispatch: bkeys key length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false, err
	}
	return string(buf), false, nil
}
