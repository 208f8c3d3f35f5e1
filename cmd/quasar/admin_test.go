package main

import (
	"bufio"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendAdminCommandReadsUntilEnd(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		_, _ = r.ReadString('\n')
		conn.Write([]byte("foo -> 127.0.0.1:11211\r\nEND\r\n"))
	}()

	lines, err := sendAdminCommandTo(ln.Addr().String(), "__/hashserver/__ foo")
	require.NoError(t, err)
	require.Equal(t, []string{"foo -> 127.0.0.1:11211", "END"}, lines)
}
