package link

import (
	"net"

	"github.com/matheuscscp/net-stack/layers/physical"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
)

const (
	// HeaderLength is the Ethernet header length.
	HeaderLength = 14

	// MinPayloadLength is the minimum number of payload bytes of a
	// frame. Shorter payloads are padded with zeros.
	MinPayloadLength = 46

	// MTU (maximum transmission unit) is the maximum number of bytes that are
	// allowed on the payload of a frame (the link layer name for a packet).
	MTU = physical.MTU - HeaderLength

	promSubsystem = "link_ethernet"
)

// BroadcastMACAddress is the MAC address used for broadcast in a local network.
func BroadcastMACAddress() net.HardwareAddr {
	return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// BroadcastMACEndpoint is the MAC address used for broadcast in a local network.
func BroadcastMACEndpoint() gopacket.Endpoint {
	return gplayers.NewMACEndpoint(BroadcastMACAddress())
}
