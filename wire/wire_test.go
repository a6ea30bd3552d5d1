package wire

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newConnPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp4", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server := <-accepted
	if server == nil {
		client.Close()
		t.Fatal("accept failed")
	}

	c := client.(*net.TCPConn)
	s := server.(*net.TCPConn)
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c, s
}

func TestHandshakeRoundTrip(t *testing.T) {
	clientConn, serverConn := newConnPair(t)
	client := NewWire(clientConn, 5*time.Second)
	server := NewWire(serverConn, 5*time.Second)

	infoHash := bytes.Repeat([]byte{0xAB}, 20)
	peerID := []byte("-XX0001-abcdefghijkl")
	err := client.SendHandshake(19, "BitTorrent protocol", infoHash, peerID)
	assert.NoError(t, err)

	length, protocol, gotHash, gotPeerID, err := server.ReadHandshake()
	assert.NoError(t, err)
	assert.Equal(t, uint8(19), length)
	assert.Equal(t, "BitTorrent protocol", protocol)
	assert.Equal(t, infoHash, gotHash)
	assert.Equal(t, peerID, gotPeerID)
}

func TestMessageRoundTrip(t *testing.T) {
	clientConn, serverConn := newConnPair(t)
	client := NewWire(clientConn, 5*time.Second)
	server := NewWire(serverConn, 5*time.Second)

	assert.NoError(t, client.SendRequest(3, 16384, 16384))
	length, id, payload, err := server.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, int32(13), length)
	assert.Equal(t, byte(REQUEST), id)
	var pieceIndex, begin, blockLength int32
	buf := bytes.NewBuffer(payload)
	binary.Read(buf, binary.BigEndian, &pieceIndex)
	binary.Read(buf, binary.BigEndian, &begin)
	binary.Read(buf, binary.BigEndian, &blockLength)
	assert.Equal(t, int32(3), pieceIndex)
	assert.Equal(t, int32(16384), begin)
	assert.Equal(t, int32(16384), blockLength)

	block := []byte("some block data")
	assert.NoError(t, client.SendBlock(7, 32768, block))
	length, id, payload, err = server.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, int32(9+len(block)), length)
	assert.Equal(t, byte(BLOCK), id)
	assert.Equal(t, block, payload[8:])

	assert.NoError(t, client.SendHave(11))
	_, id, payload, err = server.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, byte(HAVE), id)
	assert.Equal(t, uint32(11), binary.BigEndian.Uint32(payload))

	assert.NoError(t, client.SendBitField([]byte{0xC0}))
	length, id, payload, err = server.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, int32(2), length)
	assert.Equal(t, byte(BITFIELD), id)
	assert.Equal(t, []byte{0xC0}, payload)
}

func TestKeepAliveHasZeroLength(t *testing.T) {
	clientConn, serverConn := newConnPair(t)
	client := NewWire(clientConn, 5*time.Second)
	server := NewWire(serverConn, 5*time.Second)

	before := time.Now()
	assert.NoError(t, client.SendKeepAlive())
	length, _, payload, err := server.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, int32(0), length)
	assert.Nil(t, payload)
	assert.False(t, client.GetLastMessageSent().Before(before))
}

func TestOversizedMessageRejected(t *testing.T) {
	clientConn, serverConn := newConnPair(t)
	client := NewWire(clientConn, 5*time.Second)

	// raw 50 MiB length prefix, no payload follows
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 50<<20)
	_, err := serverConn.Write(prefix[:])
	assert.NoError(t, err)

	_, _, _, err = client.ReadMessage()
	assert.ErrorIs(t, err, ErrMessageTooLong)
}

func TestNegativeMessageLengthRejected(t *testing.T) {
	clientConn, serverConn := newConnPair(t)
	client := NewWire(clientConn, 5*time.Second)

	_, err := serverConn.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	assert.NoError(t, err)

	_, _, _, err = client.ReadMessage()
	assert.ErrorIs(t, err, ErrMessageTooLong)
}
