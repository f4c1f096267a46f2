package gdbstub

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadPacketStripsFramingAndAcks(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	ack := make([]byte, 1)
	go func() {
		defer close(done)
		_, _ = client.Write([]byte("$qSupported#37"))
		_, _ = client.Read(ack)
	}()

	conn := NewConn(server)
	payload, err := conn.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, "qSupported", payload)
	<-done
	require.Equal(t, "+", string(ack))
}

func TestReadPacketRecognizesCtrlC(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte{0x03})
	}()

	conn := NewConn(server)
	payload, err := conn.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, string(byte(0x03)), payload)
}

func TestSendPacketFramesWithChecksum(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		conn := NewConn(server)
		_ = conn.SendPacket("OK")
	}()

	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	// checksum of "OK" = 'O'+'K' = 0x4F+0x4B = 0x9A
	require.Equal(t, "$OK#9a", string(buf[:n]))
}
