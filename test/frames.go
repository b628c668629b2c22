package test

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

func MustParseMAC(t *testing.T, s string) net.HardwareAddr {
	a, err := net.ParseMAC(s)
	require.NoError(t, err)
	return a
}

func MustParseIP(t *testing.T, s string) net.IP {
	ip := net.ParseIP(s).To4()
	require.NotNil(t, ip)
	return ip
}

func EthernetFrame(
	t *testing.T,
	src, dst net.HardwareAddr,
	ethType gplayers.EthernetType,
	payload []byte,
) []byte {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &gplayers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: ethType,
	}, gopacket.Payload(payload))
	require.NoError(t, err)
	return buf.Bytes()
}

func ARPPacket(
	t *testing.T,
	op uint16,
	srcMAC net.HardwareAddr, srcIP net.IP,
	dstMAC net.HardwareAddr, dstIP net.IP,
) []byte {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &gplayers.ARP{
		AddrType:          gplayers.LinkTypeEthernet,
		Protocol:          gplayers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC,
		SourceProtAddress: srcIP.To4(),
		DstHwAddress:      dstMAC,
		DstProtAddress:    dstIP.To4(),
	})
	require.NoError(t, err)
	return buf.Bytes()
}

func IPv4Datagram(
	t *testing.T,
	src, dst net.IP,
	protocol gplayers.IPProtocol,
	payload []byte,
) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(buf, opts, ipv4Header(src, dst, protocol), gopacket.Payload(payload))
	require.NoError(t, err)
	return buf.Bytes()
}

// UDPDatagram returns an IPv4 datagram carrying a checksummed UDP datagram.
func UDPDatagram(
	t *testing.T,
	src, dst net.IP,
	srcPort, dstPort uint16,
	payload []byte,
) []byte {
	ip := ipv4Header(src, dst, gplayers.IPProtocolUDP)
	udp := &gplayers.UDP{
		SrcPort: gplayers.UDPPort(srcPort),
		DstPort: gplayers.UDPPort(dstPort),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func ICMPEchoRequest(t *testing.T, id, seq int, data []byte) []byte {
	b, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: data},
	}).Marshal(nil)
	require.NoError(t, err)
	return b
}

func ipv4Header(src, dst net.IP, protocol gplayers.IPProtocol) *gplayers.IPv4 {
	return &gplayers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: protocol,
		SrcIP:    src.To4(),
		DstIP:    dst.To4(),
	}
}

// DecodeFrame decodes an Ethernet frame with all its layers.
func DecodeFrame(t *testing.T, frame []byte) gopacket.Packet {
	pkt := gopacket.NewPacket(frame, gplayers.LayerTypeEthernet, gopacket.Default)
	require.NotNil(t, pkt.Layer(gplayers.LayerTypeEthernet))
	return pkt
}

// DecodeARP decodes the ARP packet of an Ethernet frame.
func DecodeARP(t *testing.T, frame []byte) (*gplayers.Ethernet, *gplayers.ARP) {
	pkt := DecodeFrame(t, frame)
	arp, ok := pkt.Layer(gplayers.LayerTypeARP).(*gplayers.ARP)
	require.True(t, ok, "frame does not carry an arp packet")
	return pkt.Layer(gplayers.LayerTypeEthernet).(*gplayers.Ethernet), arp
}

// DecodeIPv4 decodes the IPv4 datagram of an Ethernet frame.
func DecodeIPv4(t *testing.T, frame []byte) (*gplayers.Ethernet, *gplayers.IPv4) {
	pkt := DecodeFrame(t, frame)
	ip, ok := pkt.Layer(gplayers.LayerTypeIPv4).(*gplayers.IPv4)
	require.True(t, ok, "frame does not carry an ip datagram")
	return pkt.Layer(gplayers.LayerTypeEthernet).(*gplayers.Ethernet), ip
}

// DecodeICMP decodes the ICMP message of an Ethernet frame.
func DecodeICMP(t *testing.T, frame []byte) (*gplayers.IPv4, *icmp.Message) {
	_, ip := DecodeIPv4(t, frame)
	require.Equal(t, gplayers.IPProtocolICMPv4, ip.Protocol)
	msg, err := icmp.ParseMessage(1, ip.Payload)
	require.NoError(t, err)
	return ip, msg
}

// RequireSent drains the frames sent on w and requires exactly n of them.
func RequireSent(t *testing.T, w *Wire, n int) [][]byte {
	sent := w.Sent()
	require.Len(t, sent, n)
	return sent
}
