package network

import (
	"context"
	"fmt"
	"net"

	"github.com/matheuscscp/net-stack/observability"

	gplayers "github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ICMP answers echo requests and emits destination-unreachable errors
// on behalf of the IPv4 layer and of the transport layer.
type ICMP struct {
	l       logrus.FieldLogger
	ip      *IPv4
	dropped *prometheus.CounterVec
}

const (
	dropReasonUnsupported = "unsupported"

	// protocolICMP is the IANA protocol number of ICMP for ipv4.
	protocolICMP = 1
)

var (
	droppedICMP = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystemICMP,
		Name:      "dropped_total",
		Help:      "Total number of inbound ICMP messages dropped, by reason.",
	}, []string{observability.StackName, observability.Reason})
)

// NewICMP creates the ICMP protocol of a stack and registers it on ip.
// ip uses it to report unsupported protocols.
func NewICMP(stackName string, ip *IPv4) *ICMP {
	i := &ICMP{
		l:       logrus.WithField(observability.StackName, stackName),
		ip:      ip,
		dropped: droppedICMP.MustCurryWith(prometheus.Labels{observability.StackName: stackName}),
	}
	ip.AddProtocol(gplayers.IPProtocolICMPv4, i)
	ip.icmp = i
	return i
}

// Handle implements Handler.
func (i *ICMP) Handle(ctx context.Context, message []byte, datagram *gplayers.IPv4) error {
	return i.HandleDatagram(ctx, message, datagram)
}

// HandleDatagram processes an inbound ICMP message. Echo requests are
// answered with an echo reply carrying the same identifier, sequence
// number and data. Other messages are dropped.
func (i *ICMP) HandleDatagram(ctx context.Context, message []byte, datagram *gplayers.IPv4) error {
	if len(message) < ICMPHeaderLength {
		i.drop(dropReasonTruncated, message, nil)
		return nil
	}
	if !validMessageChecksum(message) {
		i.drop(dropReasonBadChecksum, message, nil)
		return nil
	}
	msg, err := icmp.ParseMessage(protocolICMP, message)
	if err != nil {
		i.drop(dropReasonBadHeader, message, err)
		return nil
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if msg.Type != ipv4.ICMPTypeEcho || msg.Code != 0 || !ok {
		i.drop(dropReasonUnsupported, message, nil)
		return nil
	}

	reply, err := (&icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{
			ID:   echo.ID,
			Seq:  echo.Seq,
			Data: echo.Data,
		},
	}).Marshal(nil)
	if err == nil {
		err = i.ip.Send(ctx, reply, datagram.SrcIP, gplayers.IPProtocolICMPv4)
	}
	if err != nil {
		i.l.
			WithError(err).
			WithField("dst_ip_address", datagram.SrcIP.String()).
			Error("error sending icmp echo reply")
	}

	return nil
}

// Unreachable sends a destination-unreachable error with the given code
// to dstIPAddress. original is the offending datagram, header included.
// The error carries its header and the first 8 bytes of its payload,
// zero-padded if shorter. Originals shorter than an IPv4 header are
// ignored.
func (i *ICMP) Unreachable(ctx context.Context, original []byte, dstIPAddress net.IP, code int) error {
	if len(original) < HeaderLength {
		return nil
	}
	hlen := int(original[0]&0x0f) * 4
	if hlen < HeaderLength {
		hlen = HeaderLength
	}
	data := make([]byte, hlen+8)
	copy(data, original)

	msg, err := (&icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: code,
		Body: &icmp.DstUnreach{Data: data},
	}).Marshal(nil)
	if err != nil {
		return fmt.Errorf("error serializing icmp destination unreachable: %w", err)
	}

	return i.ip.Send(ctx, msg, dstIPAddress, gplayers.IPProtocolICMPv4)
}

func (i *ICMP) drop(reason string, message []byte, err error) {
	i.dropped.WithLabelValues(reason).Inc()
	l := i.l.
		WithField("reason", reason).
		WithField("message_len", len(message))
	if err != nil {
		l = l.WithError(err)
	}
	l.Debug("dropping inbound icmp message")
}
