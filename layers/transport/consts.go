package transport

import (
	"github.com/matheuscscp/net-stack/layers/network"
)

const (
	// UDPHeaderLength is the UDP header length.
	UDPHeaderLength = 8

	// UDPMTU (UDP maximum transmission unit) is the maximum number of bytes that are
	// allowed on the payload of a UDP segment (the transport layer name for a packet).
	UDPMTU = network.MTU - UDPHeaderLength

	promSubsystem = "transport_udp"
)
