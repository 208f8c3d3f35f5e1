package peerproto

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{Verb: VerbAdd, NodeID: "10.0.0.5:11211", ScaleFactor: 64}

	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestMessageRoundTripDropsScaleFactorForNonAdd(t *testing.T) {
	msg := Message{Verb: VerbRemove, NodeID: "10.0.0.5:11211", ScaleFactor: 64}

	var buf bytes.Buffer
	require.NoError(t, msg.Encode(&buf))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, Message{Verb: VerbRemove, NodeID: "10.0.0.5:11211"}, got)
}

func TestReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, ReplyReject))

	r, err := ReadReply(&buf)
	require.NoError(t, err)
	require.Equal(t, ReplyReject, r)
	require.Equal(t, byte('R'), byte(r))
}

func TestEncodeRejectsOversizedIP(t *testing.T) {
	msg := Message{Verb: VerbLock, NodeID: net.JoinHostPort(string(make([]byte, 300)), "11211")}
	var buf bytes.Buffer
	require.ErrorIs(t, msg.Encode(&buf), errMessageTooLarge)
}
