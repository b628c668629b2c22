package network_test

import (
	"context"
	"net"
	"testing"

	"github.com/matheuscscp/net-stack/layers/link"
	"github.com/matheuscscp/net-stack/layers/network"
	"github.com/matheuscscp/net-stack/test"

	gplayers "github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

type node struct {
	wire *test.Wire
	eth  *link.Ethernet
	arp  *network.ARP
	ip   *network.IPv4
	icmp *network.ICMP

	mac, peerMAC net.HardwareAddr
	ipAddr, peer net.IP
}

func newNode(t *testing.T, arpConf network.ARPConfig, ipConf network.IPv4Config) *node {
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
	var err error
	n.arp, err = network.NewARP(ctx, t.Name(), n.eth, n.ipAddr, arpConf)
	require.NoError(t, err)
	n.ip, err = network.NewIPv4(t.Name(), n.arp, n.ipAddr, ipConf)
	require.NoError(t, err)
	n.icmp = network.NewICMP(t.Name(), n.ip)
	n.eth.AddProtocol(gplayers.EthernetTypeARP, link.HandlerFunc(n.arp.HandleFrame))
	n.eth.AddProtocol(gplayers.EthernetTypeIPv4, link.HandlerFunc(n.ip.HandleFrame))

	// announcement
	test.RequireSent(t, n.wire, 1)

	return n
}

func newDefaultNode(t *testing.T) *node {
	return newNode(t, network.ARPConfig{}, network.IPv4Config{})
}

// recv injects a frame from the peer and processes it.
func (n *node) recv(t *testing.T, ethType gplayers.EthernetType, payload []byte) {
	t.Helper()
	n.wire.Inject(test.EthernetFrame(t, n.peerMAC, n.mac, ethType, payload))
	ok, err := n.eth.Poll(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
}

// learnPeer makes the peer known to the ARP cache.
func (n *node) learnPeer(t *testing.T) {
	t.Helper()
	n.recv(t, gplayers.EthernetTypeARP, test.ARPPacket(t, gplayers.ARPReply, n.peerMAC, n.peer, n.mac, n.ipAddr))
	test.RequireSent(t, n.wire, 0)
}
