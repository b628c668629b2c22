package network

import (
	"bytes"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// HeaderChecksum computes the IPv4 header checksum of hdr as if its
// checksum field was zero. hdr is not modified.
func HeaderChecksum(hdr []byte) uint16 {
	h := header.IPv4(bytes.Clone(hdr))
	h.SetChecksum(0)
	return ^checksum.Checksum(h, 0)
}

// validMessageChecksum tells whether the ones' complement sum of a
// whole message, checksum field included, is all ones.
func validMessageChecksum(msg []byte) bool {
	return checksum.Checksum(msg, 0) == 0xffff
}
