package network

import (
	"time"

	"github.com/matheuscscp/net-stack/layers/link"
)

const (
	// Version is the version of the IP protocol
	Version = 4

	// IHL is the IPv4 header length in 32-bit words.
	IHL = HeaderLength / 4

	// HeaderLength is the IPv4 header length.
	HeaderLength = 20

	// MTU (maximum transmission unit) is the maximum number of bytes that are
	// allowed on the payload of a datagram (the network layer name for a packet).
	MTU = (1 << 16) - 1 - HeaderLength

	// MaxFragmentPayload is the largest payload carried by a single fragment.
	MaxFragmentPayload = link.MTU - HeaderLength

	// DefaultTTL is the time-to-live of outbound datagrams.
	DefaultTTL = 64

	// ARPPacketLength is the length of an ARP packet for Ethernet/IPv4.
	ARPPacketLength = 28

	// DefaultARPCacheTimeout is how long a learned IP to MAC mapping stays valid.
	DefaultARPCacheTimeout = 60 * time.Second

	// DefaultARPPendingTimeout is how long a datagram waits for ARP resolution.
	// Until it expires, new datagrams to the same address are dropped.
	DefaultARPPendingTimeout = time.Second

	// CodeProtocolUnreachable is the destination-unreachable code for
	// datagrams carrying an unsupported protocol.
	CodeProtocolUnreachable = 2

	// CodePortUnreachable is the destination-unreachable code for
	// segments addressed to a closed port.
	CodePortUnreachable = 3

	// ICMPHeaderLength is the length of the ICMP header.
	ICMPHeaderLength = 8

	promSubsystemARP  = "network_arp"
	promSubsystemIPv4 = "network_ipv4"
	promSubsystemICMP = "network_icmp"
)
