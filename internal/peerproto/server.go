package peerproto

import (
	"net"

	"github.com/quasarcache/quasar/internal/logging"
)

// Handler decides how to respond to an incoming friend message. The
// membership coordinator implements this to apply LOCK/UNLOCK/ADD/REMOVE
// against its local Fleet and ring.
type Handler interface {
	Handle(msg Message) Reply
}

// Serve accepts connections on ln and, for each one, reads exactly one
// Message, runs it through h, writes back the Reply, and closes the
// connection. It returns when ln is closed.
func Serve(ln net.Listener, h Handler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveOne(conn, h)
	}
}

func serveOne(conn net.Conn, h Handler) {
	defer conn.Close()

	msg, err := Decode(conn)
	if err != nil {
		logging.Op().Warn("peerproto: decode failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	reply := h.Handle(msg)
	if err := WriteReply(conn, reply); err != nil {
		logging.Op().Warn("peerproto: write reply failed", "remote", conn.RemoteAddr(), "error", err)
	}
}
