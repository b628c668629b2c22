package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/matheuscscp/net-stack/layers/common"
	"github.com/matheuscscp/net-stack/layers/network"
	"github.com/matheuscscp/net-stack/observability"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

type (
	// UDP is the transport layer of the stack. Inbound segments are
	// demultiplexed by dst port to the handlers registered with Open().
	// Segments addressed to a closed port are answered with an ICMP
	// port-unreachable error.
	//
	// UDP is not thread-safe.
	UDP struct {
		l       logrus.FieldLogger
		ip      *network.IPv4
		icmp    *network.ICMP
		ports   map[uint16]Handler
		dropped *prometheus.CounterVec
	}

	// Handler consumes the payload of inbound segments of an open port.
	Handler interface {
		HandleUDP(ctx context.Context, payload []byte, srcIPAddress net.IP, srcPort uint16) error
	}

	// HandlerFunc adapts a function into a Handler.
	HandlerFunc func(ctx context.Context, payload []byte, srcIPAddress net.IP, srcPort uint16) error
)

const (
	dropReasonTruncated   = "truncated"
	dropReasonBadHeader   = "bad_header"
	dropReasonBadChecksum = "bad_checksum"
	dropReasonClosedPort  = "closed_port"
)

var (
	droppedUDP = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystem,
		Name:      "dropped_total",
		Help:      "Total number of inbound UDP segments dropped, by reason.",
	}, []string{observability.StackName, observability.Reason})
)

// HandleUDP implements Handler.
func (f HandlerFunc) HandleUDP(ctx context.Context, payload []byte, srcIPAddress net.IP, srcPort uint16) error {
	return f(ctx, payload, srcIPAddress, srcPort)
}

// NewUDP creates the UDP protocol of a stack and registers it on ip.
func NewUDP(stackName string, ip *network.IPv4, icmp *network.ICMP) *UDP {
	u := &UDP{
		l:       logrus.WithField(observability.StackName, stackName),
		ip:      ip,
		icmp:    icmp,
		ports:   make(map[uint16]Handler),
		dropped: droppedUDP.MustCurryWith(prometheus.Labels{observability.StackName: stackName}),
	}
	ip.AddProtocol(gplayers.IPProtocolUDP, network.HandlerFunc(u.HandleDatagram))
	return u
}

// Open registers h for port, replacing any previous handler.
func (u *UDP) Open(port uint16, h Handler) {
	u.ports[port] = h
}

// Close unregisters the handler of port.
func (u *UDP) Close(port uint16) {
	delete(u.ports, port)
}

// HandleDatagram validates an inbound segment and delivers its payload
// to the handler of its dst port. A zero checksum means the sender did
// not compute it and is accepted.
func (u *UDP) HandleDatagram(ctx context.Context, segment []byte, datagram *gplayers.IPv4) error {
	if len(segment) < UDPHeaderLength {
		u.drop(dropReasonTruncated, segment, nil)
		return nil
	}
	h := header.UDP(segment)
	length := int(h.Length())
	if length > len(segment) || length < UDPHeaderLength {
		u.drop(dropReasonBadHeader, segment, nil)
		return nil
	}
	h = h[:length]
	if h.Checksum() != 0 && Checksum(datagram.SrcIP, u.ip.IPAddress(), h) != h.Checksum() {
		u.drop(dropReasonBadChecksum, segment, nil)
		return nil
	}

	// demux
	handler, ok := u.ports[h.DestinationPort()]
	if !ok {
		u.drop(dropReasonClosedPort, segment, nil)
		original := append(bytes.Clone(datagram.Contents), segment...)
		if err := u.icmp.Unreachable(ctx, original, datagram.SrcIP, network.CodePortUnreachable); err != nil {
			u.l.
				WithError(err).
				WithField("dst_ip_address", datagram.SrcIP.String()).
				Error("error sending icmp port unreachable")
		}
		return nil
	}
	if err := handler.HandleUDP(ctx, h.Payload(), datagram.SrcIP, h.SourcePort()); err != nil {
		u.l.
			WithError(err).
			WithField("port", h.DestinationPort()).
			Debug("error handling inbound udp payload")
	}

	return nil
}

// Send sends payload from srcPort to dstIPAddress:dstPort.
func (u *UDP) Send(ctx context.Context, payload []byte, srcPort uint16, dstIPAddress net.IP, dstPort uint16) error {
	if dstIPAddress.To4() == nil {
		return fmt.Errorf("dst ip address %v is not an ipv4 address", dstIPAddress)
	}
	if len(payload) > UDPMTU {
		return fmt.Errorf("payload has %d bytes, transport layer UDP MTU is %d: %w", len(payload), UDPMTU, common.ErrPayloadTooLarge)
	}

	// serialize
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	segment := &gplayers.UDP{
		SrcPort: gplayers.UDPPort(srcPort),
		DstPort: gplayers.UDPPort(dstPort),
	}
	if err := gopacket.SerializeLayers(buf, opts, segment, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("error serializing transport layer: %w", err)
	}
	h := header.UDP(buf.Bytes())
	h.SetChecksum(Checksum(u.ip.IPAddress(), dstIPAddress, h))

	return u.ip.Send(ctx, h, dstIPAddress, gplayers.IPProtocolUDP)
}

// SendTo sends data from srcPort to dst.
func (u *UDP) SendTo(ctx context.Context, data []byte, srcPort uint16, dst netip.AddrPort) error {
	if !dst.Addr().Unmap().Is4() {
		return fmt.Errorf("dst address %v is not an ipv4 address", dst.Addr())
	}
	ip := dst.Addr().Unmap().As4()
	return u.Send(ctx, data, srcPort, net.IP(ip[:]), dst.Port())
}

// Checksum computes the checksum of a UDP segment over the pseudo-header
// and the segment, as if the checksum field of the segment was zero.
// A computed zero is returned as all ones, since zero on the wire means
// that no checksum was computed.
func Checksum(srcIPAddress, dstIPAddress net.IP, segment []byte) uint16 {
	pseudo := header.PseudoHeaderChecksum(
		header.UDPProtocolNumber,
		tcpip.AddrFrom4Slice(srcIPAddress.To4()),
		tcpip.AddrFrom4Slice(dstIPAddress.To4()),
		uint16(len(segment)),
	)
	h := header.UDP(bytes.Clone(segment))
	h.SetChecksum(0)
	if c := ^checksum.Checksum(h, pseudo); c != 0 {
		return c
	}
	return 0xffff
}

func (u *UDP) drop(reason string, segment []byte, err error) {
	u.dropped.WithLabelValues(reason).Inc()
	l := u.l.
		WithField("reason", reason).
		WithField("segment_len", len(segment))
	if err != nil {
		l = l.WithError(err)
	}
	l.Debug("dropping inbound udp segment")
}
