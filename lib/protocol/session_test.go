package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/pluginscan/lib/packet"
	"github.com/snowmerak/pluginscan/lib/transport"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return l.WithField("test", true)
}

func pipeSessions(hostHandler, peerHandler Handler) (*Session, *Session) {
	a, b := net.Pipe()
	host := NewSession(transport.NewChannel(a), hostHandler, testLogger())
	peer := NewSession(transport.NewChannel(b), peerHandler, testLogger())
	return host, peer
}

// echoPeer answers VERSION with VERSION, LOAD with DETAILS carrying the path, and echoes EXIT.
func echoPeer() Handler {
	return HandlerFunc(func(s *Session, p *packet.Packet) error {
		switch p.Type {
		case packet.TypeVersion:
			s.Expect(packet.TypeLoad, packet.TypeExit)
			return s.Send(packet.TypeVersion, p.Sequence, p.Payload)
		case packet.TypeLoad:
			path, err := packet.DecodeLoad(p.Payload)
			if err != nil {
				return err
			}
			return s.Send(packet.TypeDetails, p.Sequence, []byte(path))
		case packet.TypeExit:
			if err := s.Send(packet.TypeExit, p.Sequence, nil); err != nil {
				return err
			}
			s.Finish()
		}
		return nil
	})
}

func runPeer(t *testing.T, peer *Session) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		if err := peer.Start(); err != nil {
			done <- err
			return
		}
		done <- peer.Pump(context.Background(), 5*time.Second, peer.Done)
	}()
	return done
}

func TestSession_FullExchange(t *testing.T) {
	var received []*packet.Packet
	hostHandler := HandlerFunc(func(s *Session, p *packet.Packet) error {
		received = append(received, p)
		switch p.Type {
		case packet.TypeVersion:
			s.Expect(packet.TypeDetails, packet.TypeExit)
		case packet.TypeExit:
			s.Finish()
		}
		return nil
	})

	host, peer := pipeSessions(hostHandler, echoPeer())
	defer host.Close()
	defer peer.Close()
	peerDone := runPeer(t, peer)

	ctx := context.Background()
	require.NoError(t, host.Start())

	version, err := packet.LocalVersion().MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, host.Send(packet.TypeVersion, 0, version))
	require.NoError(t, host.Pump(ctx, 5*time.Second, func() bool { return len(received) == 1 }))

	require.NoError(t, host.Send(packet.TypeLoad, 1, packet.EncodeLoad("/tmp/good.so")))
	require.NoError(t, host.Pump(ctx, 5*time.Second, func() bool { return len(received) == 2 }))

	require.NoError(t, host.Send(packet.TypeExit, 0, nil))
	require.NoError(t, host.Pump(ctx, 5*time.Second, host.Done))

	require.Len(t, received, 3)
	assert.Equal(t, packet.TypeVersion, received[0].Type)
	assert.Equal(t, packet.TypeDetails, received[1].Type)
	assert.Equal(t, uint32(1), received[1].Sequence)
	assert.Equal(t, "/tmp/good.so", string(received[1].Payload))
	assert.Equal(t, packet.TypeExit, received[2].Type)
	assert.Equal(t, StateDone, host.State())

	assert.NoError(t, <-peerDone)
	assert.Equal(t, StateDone, peer.State())
	assert.Equal(t, uint64(3), peer.Exchanges())
}

func TestSession_UnexpectedPacketFails(t *testing.T) {
	host, peer := pipeSessions(HandlerFunc(func(*Session, *packet.Packet) error { return nil }), echoPeer())
	defer host.Close()
	defer peer.Close()
	peerDone := runPeer(t, peer)

	require.NoError(t, host.Start())
	// LOAD before the handshake is a protocol violation for the peer.
	require.NoError(t, host.Send(packet.TypeLoad, 1, packet.EncodeLoad("/tmp/x.so")))

	err := <-peerDone
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, ErrUnexpectedPacket)
	assert.Equal(t, StateFailed, peer.State())
}

func TestSession_BadMagicFails(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	peer := NewSession(transport.NewChannel(b), echoPeer(), testLogger())
	defer peer.Close()
	peerDone := runPeer(t, peer)

	hdr := make([]byte, packet.HeaderSize)
	packet.PutHeader(hdr, packet.Header{Type: packet.TypeVersion, Sequence: 0, PayloadSize: 0, Magic: 0xdeadbeef})
	go a.Write(hdr)

	err := <-peerDone
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, packet.ErrCorruptPacket)
}

func TestSession_PumpTimeout(t *testing.T) {
	host, peer := pipeSessions(HandlerFunc(func(*Session, *packet.Packet) error { return nil }), echoPeer())
	defer host.Close()
	defer peer.Close()

	require.NoError(t, host.Start())
	err := host.Pump(context.Background(), 50*time.Millisecond, func() bool { return false })

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateFailed, host.State())
	assert.ErrorIs(t, host.Send(packet.TypeExit, 0, nil), ErrTimeout, "a failed session stays failed")
}

func TestSession_PeerHangup(t *testing.T) {
	a, b := net.Pipe()
	host := NewSession(transport.NewChannel(a), HandlerFunc(func(*Session, *packet.Packet) error { return nil }), testLogger())
	defer host.Close()

	require.NoError(t, host.Start())
	b.Close()

	err := host.Pump(context.Background(), 5*time.Second, func() bool { return false })
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateFailed, host.State())
}

func TestSession_HandlerErrorFails(t *testing.T) {
	boom := assert.AnError
	host, peer := pipeSessions(HandlerFunc(func(*Session, *packet.Packet) error { return nil }),
		HandlerFunc(func(*Session, *packet.Packet) error { return boom }))
	defer host.Close()
	defer peer.Close()
	peerDone := runPeer(t, peer)

	require.NoError(t, host.Start())
	version, err := packet.LocalVersion().MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, host.Send(packet.TypeVersion, 0, version))

	assert.ErrorIs(t, <-peerDone, boom)
}
