package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/matheuscscp/net-stack/layers/common"
	"github.com/matheuscscp/net-stack/observability"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

type (
	// IPv4 is the network layer of the stack. Inbound datagrams are
	// validated and dispatched by protocol number. Outbound payloads
	// are split into fragments of at most IPv4Config.MaxFragmentPayload
	// bytes and resolved through ARP.
	//
	// Inbound fragments are not reassembled.
	//
	// IPv4 is not thread-safe.
	IPv4 struct {
		l         logrus.FieldLogger
		arp       *ARP
		icmp      *ICMP
		ipAddress net.IP
		addr      tcpip.Address
		conf      IPv4Config
		protocols common.Registry[*gplayers.IPv4]
		id        uint16
		dropped   *prometheus.CounterVec
	}

	// IPv4Config contains the parameters of outbound datagrams.
	IPv4Config struct {
		// MaxFragmentPayload must be a positive multiple of 8 not greater
		// than MaxFragmentPayload. Zero means MaxFragmentPayload.
		MaxFragmentPayload int
		// DefaultTTL is the time-to-live of outbound datagrams. Zero means DefaultTTL.
		DefaultTTL uint8
	}

	// Handler consumes the payload of an inbound datagram. The decoded
	// datagram is passed along, with the raw header in its Contents.
	Handler = common.Handler[*gplayers.IPv4]

	// HandlerFunc adapts a function into a Handler.
	HandlerFunc = common.HandlerFunc[*gplayers.IPv4]
)

var (
	droppedIPv4 = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystemIPv4,
		Name:      "dropped_total",
		Help:      "Total number of inbound IPv4 datagrams dropped, by reason.",
	}, []string{observability.StackName, observability.Reason})
)

// Validate fills defaults and checks the fragment payload size.
func (c *IPv4Config) Validate() error {
	if c.MaxFragmentPayload == 0 {
		c.MaxFragmentPayload = MaxFragmentPayload
	}
	if c.MaxFragmentPayload < 0 || c.MaxFragmentPayload%8 != 0 || c.MaxFragmentPayload > MaxFragmentPayload {
		return fmt.Errorf("max fragment payload must be a positive multiple of 8 not greater than %d, got %d",
			MaxFragmentPayload, c.MaxFragmentPayload)
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = DefaultTTL
	}
	return nil
}

// NewIPv4 creates the network layer of a stack on top of arp.
func NewIPv4(stackName string, arp *ARP, ipAddress net.IP, conf IPv4Config) (*IPv4, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	ip4 := ipAddress.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("ip address %v is not an ipv4 address", ipAddress)
	}
	return &IPv4{
		l: logrus.
			WithField(observability.StackName, stackName).
			WithField("ip_address", ip4.String()),
		arp:       arp,
		ipAddress: ip4,
		addr:      tcpip.AddrFrom4Slice(ip4),
		conf:      conf,
		dropped:   droppedIPv4.MustCurryWith(prometheus.Labels{observability.StackName: stackName}),
	}, nil
}

// AddProtocol registers the handler of an upper layer protocol.
func (ip *IPv4) AddProtocol(protocol gplayers.IPProtocol, h Handler) {
	ip.protocols.Add(uint16(protocol), h)
}

// IPAddress returns the IP address of the stack.
func (ip *IPv4) IPAddress() net.IP {
	return ip.ipAddress
}

// HandleFrame validates an inbound datagram and dispatches its payload.
// Datagrams carrying a protocol with no registered handler are answered
// with an ICMP protocol-unreachable error.
func (ip *IPv4) HandleFrame(ctx context.Context, packet []byte, srcMACAddress net.HardwareAddr) error {
	// validate header
	if len(packet) < HeaderLength {
		ip.drop(dropReasonTruncated, packet, nil)
		return nil
	}
	h := header.IPv4(packet)
	hlen := int(h.HeaderLength())
	totalLen := int(h.TotalLength())
	if header.IPVersion(packet) != Version || hlen < HeaderLength || totalLen < hlen || totalLen > len(packet) {
		ip.drop(dropReasonBadHeader, packet, nil)
		return nil
	}
	if HeaderChecksum(packet[:hlen]) != h.Checksum() {
		ip.drop(dropReasonBadChecksum, packet, nil)
		return nil
	}
	if h.DestinationAddress() != ip.addr {
		ip.drop(dropReasonNotForUs, packet, nil)
		return nil
	}

	// decode
	var datagram gplayers.IPv4
	if err := datagram.DecodeFromBytes(packet[:totalLen], gopacket.NilDecodeFeedback); err != nil {
		ip.l.
			WithError(err).
			Debug("error decoding ip options. skipping them")
		datagram = headerWithoutOptions(h, totalLen)
	}

	// dispatch
	err := ip.protocols.Dispatch(ctx, datagram.Payload, uint16(datagram.Protocol), &datagram)
	if errors.Is(err, common.ErrNoHandler) {
		ip.drop(dropReasonNoProtocol, packet, err)
		if ip.icmp == nil {
			return nil
		}
		original := append(append([]byte(nil), datagram.Contents...), datagram.Payload...)
		if err := ip.icmp.Unreachable(ctx, original, datagram.SrcIP, CodeProtocolUnreachable); err != nil {
			ip.l.
				WithError(err).
				WithField("dst_ip_address", datagram.SrcIP.String()).
				Error("error sending icmp protocol unreachable")
		}
	} else if err != nil {
		ip.l.
			WithError(err).
			WithField("protocol", datagram.Protocol.String()).
			Debug("error handling inbound ip payload")
	}

	return nil
}

// Send sends payload to dstIPAddress, fragmenting it if needed. All the
// fragments share the same identification.
func (ip *IPv4) Send(ctx context.Context, payload []byte, dstIPAddress net.IP, protocol gplayers.IPProtocol) error {
	if len(payload) == 0 {
		return common.ErrCannotSendEmpty
	}
	if len(payload) > MTU {
		return fmt.Errorf("payload has %d bytes, network layer MTU is %d: %w", len(payload), MTU, common.ErrPayloadTooLarge)
	}

	id := ip.id
	ip.id++

	for sent := 0; sent < len(payload); {
		end := sent + ip.conf.MaxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		moreFragments := end < len(payload)
		err := ip.sendFragment(ctx, payload[sent:end], dstIPAddress, protocol, id, uint16(sent/8), moreFragments)
		if err != nil {
			return err
		}
		sent = end
	}

	return nil
}

func (ip *IPv4) sendFragment(
	ctx context.Context,
	chunk []byte,
	dstIPAddress net.IP,
	protocol gplayers.IPProtocol,
	id uint16,
	offset uint16,
	moreFragments bool,
) error {
	datagram := &gplayers.IPv4{
		Version:    Version,
		IHL:        IHL,
		Id:         id,
		FragOffset: offset,
		TTL:        ip.conf.DefaultTTL,
		Protocol:   protocol,
		SrcIP:      ip.ipAddress,
		DstIP:      dstIPAddress.To4(),
	}
	if moreFragments {
		datagram.Flags = gplayers.IPv4MoreFragments
	}

	// serialize
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, datagram, gopacket.Payload(chunk)); err != nil {
		return fmt.Errorf("error serializing network layer: %w", err)
	}

	return ip.arp.ResolveAndSend(ctx, buf.Bytes(), dstIPAddress)
}

// headerWithoutOptions builds the layer of a validated datagram whose
// options could not be parsed. The raw options stay in Contents.
func headerWithoutOptions(h header.IPv4, totalLen int) gplayers.IPv4 {
	hlen := int(h.HeaderLength())
	tos, _ := h.TOS()
	srcAddr, dstAddr := h.SourceAddress(), h.DestinationAddress()
	datagram := gplayers.IPv4{
		Version:    Version,
		IHL:        uint8(hlen / 4),
		TOS:        tos,
		Length:     uint16(totalLen),
		Id:         h.ID(),
		Flags:      gplayers.IPv4Flag(h.Flags()),
		FragOffset: h.FragmentOffset() / 8,
		TTL:        h.TTL(),
		Protocol:   gplayers.IPProtocol(h.Protocol()),
		Checksum:   h.Checksum(),
		SrcIP:      net.IP(srcAddr.AsSlice()),
		DstIP:      net.IP(dstAddr.AsSlice()),
	}
	datagram.Contents = h[:hlen]
	datagram.Payload = h[hlen:totalLen]
	return datagram
}

func (ip *IPv4) drop(reason string, packet []byte, err error) {
	ip.dropped.WithLabelValues(reason).Inc()
	l := ip.l.
		WithField("reason", reason).
		WithField("packet_len", len(packet))
	if err != nil {
		l = l.WithError(err)
	}
	l.Debug("dropping inbound ip datagram")
}
