package network_test

import (
	"context"
	"testing"

	"github.com/matheuscscp/net-stack/layers/network"
	"github.com/matheuscscp/net-stack/test"

	gplayers "github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

func TestICMPEcho(t *testing.T) {
	n := newDefaultNode(t)
	n.learnPeer(t)
	data := []byte("ping payload")

	n.recv(t, gplayers.EthernetTypeIPv4, test.IPv4Datagram(t, n.peer, n.ipAddr, gplayers.IPProtocolICMPv4,
		test.ICMPEchoRequest(t, 0x1234, 1, data)))

	ip, msg := test.DecodeICMP(t, test.RequireSent(t, n.wire, 1)[0])
	assert.Equal(t, []byte(n.ipAddr), []byte(ip.SrcIP))
	assert.Equal(t, []byte(n.peer), []byte(ip.DstIP))
	assert.Equal(t, ipv4.ICMPTypeEchoReply, msg.Type)
	assert.Equal(t, 0, msg.Code)
	echo, ok := msg.Body.(*icmp.Echo)
	require.True(t, ok)
	assert.Equal(t, 0x1234, echo.ID)
	assert.Equal(t, 1, echo.Seq)
	assert.Equal(t, data, echo.Data)
	assert.Equal(t, uint16(0xffff), checksum.Checksum(ip.Payload, 0))
}

func TestICMPDropsInvalidMessages(t *testing.T) {
	n := newDefaultNode(t)
	n.learnPeer(t)
	valid := test.ICMPEchoRequest(t, 0x1234, 1, []byte("ping"))

	for name, mutate := range map[string]func(b []byte) []byte{
		"truncated": func(b []byte) []byte { return b[:network.ICMPHeaderLength-1] },
		"checksum":  func(b []byte) []byte { b[len(b)-1]++; return b },
		"echo reply": func(b []byte) []byte {
			b[0] = 0
			b[2] += 8 // keeps the checksum valid
			return b
		},
		"nonzero code": func(b []byte) []byte {
			b[1] = 1
			b[3]-- // keeps the checksum valid
			return b
		},
	} {
		t.Run(name, func(t *testing.T) {
			message := mutate(append([]byte(nil), valid...))
			datagram := test.IPv4Datagram(t, n.peer, n.ipAddr, gplayers.IPProtocolICMPv4, message)
			n.recv(t, gplayers.EthernetTypeIPv4, datagram)
			test.RequireSent(t, n.wire, 0)
		})
	}
}

func TestICMPUnreachablePadsShortOriginals(t *testing.T) {
	n := newDefaultNode(t)
	n.learnPeer(t)
	original := test.IPv4Datagram(t, n.peer, n.ipAddr, gplayers.IPProtocolUDP, []byte{1, 2, 3})

	require.NoError(t, n.icmp.Unreachable(context.Background(), original, n.peer, network.CodePortUnreachable))

	_, msg := test.DecodeICMP(t, test.RequireSent(t, n.wire, 1)[0])
	assert.Equal(t, network.CodePortUnreachable, msg.Code)
	body, ok := msg.Body.(*icmp.DstUnreach)
	require.True(t, ok)
	require.Len(t, body.Data, network.HeaderLength+8)
	assert.Equal(t, original, body.Data[:len(original)])
	assert.Equal(t, make([]byte, 5), body.Data[len(original):])
}

func TestICMPUnreachableIgnoresTruncatedOriginals(t *testing.T) {
	n := newDefaultNode(t)
	n.learnPeer(t)

	require.NoError(t, n.icmp.Unreachable(context.Background(), make([]byte, network.HeaderLength-1), n.peer, network.CodePortUnreachable))

	test.RequireSent(t, n.wire, 0)
}
