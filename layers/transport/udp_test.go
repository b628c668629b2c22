package transport_test

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/matheuscscp/net-stack/layers/common"
	"github.com/matheuscscp/net-stack/layers/link"
	"github.com/matheuscscp/net-stack/layers/network"
	"github.com/matheuscscp/net-stack/layers/transport"
	"github.com/matheuscscp/net-stack/test"

	gplayers "github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

type node struct {
	wire *test.Wire
	eth  *link.Ethernet
	udp  *transport.UDP

	mac, peerMAC net.HardwareAddr
	ipAddr, peer net.IP
}

type recvdSegment struct {
	payload []byte
	srcIP   net.IP
	srcPort uint16
}

func newNode(t *testing.T) *node {
	t.Helper()

	n := &node{
		wire:    test.NewWire(),
		mac:     test.MustParseMAC(t, "02:00:00:00:00:01"),
		peerMAC: test.MustParseMAC(t, "02:00:00:00:00:02"),
		ipAddr:  test.MustParseIP(t, "10.0.0.1"),
		peer:    test.MustParseIP(t, "10.0.0.2"),
	}
	ctx := context.Background()
	n.eth = link.NewEthernet(t.Name(), n.mac, n.wire)
	arp, err := network.NewARP(ctx, t.Name(), n.eth, n.ipAddr, network.ARPConfig{})
	require.NoError(t, err)
	ip, err := network.NewIPv4(t.Name(), arp, n.ipAddr, network.IPv4Config{})
	require.NoError(t, err)
	n.udp = transport.NewUDP(t.Name(), ip, network.NewICMP(t.Name(), ip))
	n.eth.AddProtocol(gplayers.EthernetTypeARP, link.HandlerFunc(arp.HandleFrame))
	n.eth.AddProtocol(gplayers.EthernetTypeIPv4, link.HandlerFunc(ip.HandleFrame))

	// announcement
	test.RequireSent(t, n.wire, 1)

	// learn peer
	n.recv(t, gplayers.EthernetTypeARP, test.ARPPacket(t, gplayers.ARPReply, n.peerMAC, n.peer, n.mac, n.ipAddr))
	test.RequireSent(t, n.wire, 0)

	return n
}

func (n *node) recv(t *testing.T, ethType gplayers.EthernetType, payload []byte) {
	t.Helper()
	n.wire.Inject(test.EthernetFrame(t, n.peerMAC, n.mac, ethType, payload))
	ok, err := n.eth.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

func (n *node) open(port uint16) *[]recvdSegment {
	var recvd []recvdSegment
	n.udp.Open(port, transport.HandlerFunc(
		func(ctx context.Context, payload []byte, srcIPAddress net.IP, srcPort uint16) error {
			recvd = append(recvd, recvdSegment{payload, srcIPAddress, srcPort})
			return nil
		}))
	return &recvd
}

func TestUDPDeliversToOpenPort(t *testing.T) {
	n := newNode(t)
	recvd := n.open(123)
	payload := []byte("hello world")

	n.recv(t, gplayers.EthernetTypeIPv4, test.UDPDatagram(t, n.peer, n.ipAddr, 4321, 123, payload))

	require.Len(t, *recvd, 1)
	assert.Equal(t, payload, (*recvd)[0].payload)
	assert.Equal(t, []byte(n.peer), []byte((*recvd)[0].srcIP))
	assert.Equal(t, uint16(4321), (*recvd)[0].srcPort)
	test.RequireSent(t, n.wire, 0)
}

func TestUDPPortUnreachable(t *testing.T) {
	n := newNode(t)
	datagram := test.UDPDatagram(t, n.peer, n.ipAddr, 4321, 9999, []byte("nobody listens"))

	n.recv(t, gplayers.EthernetTypeIPv4, datagram)

	ip, msg := test.DecodeICMP(t, test.RequireSent(t, n.wire, 1)[0])
	assert.Equal(t, []byte(n.peer), []byte(ip.DstIP))
	assert.Equal(t, ipv4.ICMPTypeDestinationUnreachable, msg.Type)
	assert.Equal(t, network.CodePortUnreachable, msg.Code)
	body, ok := msg.Body.(*icmp.DstUnreach)
	require.True(t, ok)

	// original ip header followed by the udp header
	assert.Equal(t, datagram[:network.HeaderLength+transport.UDPHeaderLength], body.Data)
}

func TestUDPCloseMakesPortUnreachable(t *testing.T) {
	n := newNode(t)
	recvd := n.open(123)
	n.udp.Close(123)

	n.recv(t, gplayers.EthernetTypeIPv4, test.UDPDatagram(t, n.peer, n.ipAddr, 4321, 123, []byte("hello")))

	assert.Empty(t, *recvd)
	_, msg := test.DecodeICMP(t, test.RequireSent(t, n.wire, 1)[0])
	assert.Equal(t, network.CodePortUnreachable, msg.Code)
}

func TestUDPOpenReplacesHandler(t *testing.T) {
	n := newNode(t)
	first := n.open(123)
	second := n.open(123)

	n.recv(t, gplayers.EthernetTypeIPv4, test.UDPDatagram(t, n.peer, n.ipAddr, 4321, 123, []byte("hello")))

	assert.Empty(t, *first)
	assert.Len(t, *second, 1)
}

func TestUDPAcceptsZeroChecksum(t *testing.T) {
	n := newNode(t)
	recvd := n.open(123)
	datagram := test.UDPDatagram(t, n.peer, n.ipAddr, 4321, 123, []byte("unchecked"))
	datagram[network.HeaderLength+6] = 0
	datagram[network.HeaderLength+7] = 0

	n.recv(t, gplayers.EthernetTypeIPv4, datagram)

	require.Len(t, *recvd, 1)
	assert.Equal(t, []byte("unchecked"), (*recvd)[0].payload)
}

func TestUDPDropsInvalidSegments(t *testing.T) {
	n := newNode(t)
	recvd := n.open(123)
	valid := test.UDPDatagram(t, n.peer, n.ipAddr, 4321, 123, []byte("some payload"))
	segment := valid[network.HeaderLength:]

	for name, mutate := range map[string]func(b []byte) []byte{
		"truncated":        func(b []byte) []byte { return b[:transport.UDPHeaderLength-1] },
		"length too big":   func(b []byte) []byte { binary.BigEndian.PutUint16(b[4:6], uint16(len(b)+1)); return b },
		"length too small": func(b []byte) []byte { binary.BigEndian.PutUint16(b[4:6], transport.UDPHeaderLength-1); return b },
		"checksum":         func(b []byte) []byte { b[len(b)-1]++; return b },
	} {
		t.Run(name, func(t *testing.T) {
			s := mutate(append([]byte(nil), segment...))
			require.NoError(t, n.udp.HandleDatagram(context.Background(), s, &gplayers.IPv4{
				BaseLayer: gplayers.BaseLayer{Contents: valid[:network.HeaderLength]},
				SrcIP:     n.peer,
				DstIP:     n.ipAddr,
			}))
			assert.Empty(t, *recvd)
			test.RequireSent(t, n.wire, 0)
		})
	}
}

func TestUDPIgnoresTrailingBytes(t *testing.T) {
	n := newNode(t)
	recvd := n.open(123)
	valid := test.UDPDatagram(t, n.peer, n.ipAddr, 4321, 123, []byte("some payload"))
	segment := append(append([]byte(nil), valid[network.HeaderLength:]...), 0xde, 0xad)

	require.NoError(t, n.udp.HandleDatagram(context.Background(), segment, &gplayers.IPv4{
		BaseLayer: gplayers.BaseLayer{Contents: valid[:network.HeaderLength]},
		SrcIP:     n.peer,
		DstIP:     n.ipAddr,
	}))

	require.Len(t, *recvd, 1)
	assert.Equal(t, []byte("some payload"), (*recvd)[0].payload)
}

func TestUDPSend(t *testing.T) {
	n := newNode(t)
	payload := []byte("hello peer")

	require.NoError(t, n.udp.Send(context.Background(), payload, 123, n.peer, 4321))

	_, ip := test.DecodeIPv4(t, test.RequireSent(t, n.wire, 1)[0])
	assert.Equal(t, gplayers.IPProtocolUDP, ip.Protocol)
	h := header.UDP(ip.Payload)
	assert.Equal(t, uint16(123), h.SourcePort())
	assert.Equal(t, uint16(4321), h.DestinationPort())
	assert.Equal(t, uint16(transport.UDPHeaderLength+len(payload)), h.Length())
	assert.Equal(t, payload, h.Payload())
	pseudo := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		tcpip.AddrFrom4Slice(n.ipAddr), tcpip.AddrFrom4Slice(n.peer), h.Length())
	assert.Equal(t, uint16(0xffff), checksum.Checksum(h, pseudo))
}

func TestUDPSendTo(t *testing.T) {
	n := newNode(t)

	require.NoError(t, n.udp.SendTo(context.Background(), []byte("hi"), 123, netip.MustParseAddrPort("10.0.0.2:4321")))
	_, ip := test.DecodeIPv4(t, test.RequireSent(t, n.wire, 1)[0])
	assert.Equal(t, uint16(4321), header.UDP(ip.Payload).DestinationPort())

	err := n.udp.SendTo(context.Background(), []byte("hi"), 123, netip.MustParseAddrPort("[2001:db8::1]:4321"))
	assert.Error(t, err)
}

func TestUDPSendValidatesPayloadSize(t *testing.T) {
	n := newNode(t)

	err := n.udp.Send(context.Background(), make([]byte, transport.UDPMTU+1), 123, n.peer, 4321)
	assert.ErrorIs(t, err, common.ErrPayloadTooLarge)
	test.RequireSent(t, n.wire, 0)
}

func TestUDPSendRejectsNonIPv4Address(t *testing.T) {
	n := newNode(t)

	err := n.udp.Send(context.Background(), []byte("hi"), 123, net.ParseIP("2001:db8::1"), 4321)
	assert.Error(t, err)
	err = n.udp.Send(context.Background(), []byte("hi"), 123, nil, 4321)
	assert.Error(t, err)
	test.RequireSent(t, n.wire, 0)
}

func TestUDPSendNeverTransmitsZeroChecksum(t *testing.T) {
	n := newNode(t)

	// pick the two payload bytes that make the ones' complement sum all ones
	segment := make([]byte, transport.UDPHeaderLength+2)
	binary.BigEndian.PutUint16(segment[0:2], 123)
	binary.BigEndian.PutUint16(segment[2:4], 4321)
	binary.BigEndian.PutUint16(segment[4:6], uint16(len(segment)))
	pseudo := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		tcpip.AddrFrom4Slice(n.ipAddr), tcpip.AddrFrom4Slice(n.peer), uint16(len(segment)))
	sum := checksum.Checksum(segment, pseudo)
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, ^sum)

	require.NoError(t, n.udp.Send(context.Background(), payload, 123, n.peer, 4321))

	_, ip := test.DecodeIPv4(t, test.RequireSent(t, n.wire, 1)[0])
	assert.Equal(t, uint16(0xffff), header.UDP(ip.Payload).Checksum())
	assert.Equal(t, uint16(0xffff), transport.Checksum(n.ipAddr, n.peer, ip.Payload))
}

func TestUDPAcceptsAllOnesChecksum(t *testing.T) {
	n := newNode(t)
	recvd := n.open(4321)

	// a segment whose computed checksum is zero, sent by the peer
	segment := make([]byte, transport.UDPHeaderLength+2)
	binary.BigEndian.PutUint16(segment[0:2], 123)
	binary.BigEndian.PutUint16(segment[2:4], 4321)
	binary.BigEndian.PutUint16(segment[4:6], uint16(len(segment)))
	pseudo := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		tcpip.AddrFrom4Slice(n.peer), tcpip.AddrFrom4Slice(n.ipAddr), uint16(len(segment)))
	binary.BigEndian.PutUint16(segment[8:10], ^checksum.Checksum(segment, pseudo))
	binary.BigEndian.PutUint16(segment[6:8], 0xffff)

	n.recv(t, gplayers.EthernetTypeIPv4, test.IPv4Datagram(t, n.peer, n.ipAddr, gplayers.IPProtocolUDP, segment))

	require.Len(t, *recvd, 1)
}
