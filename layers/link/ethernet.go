package link

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/matheuscscp/net-stack/layers/common"
	"github.com/matheuscscp/net-stack/layers/physical"
	"github.com/matheuscscp/net-stack/observability"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

type (
	// Ethernet is the link layer of the stack. It frames payloads of
	// the upper layers and hands them to the wire, and it decaps frames
	// read from the wire and dispatches their payloads by ethertype.
	//
	// Inbound frames with dst MAC address matching neither the MAC
	// address of the stack nor the broadcast MAC address are discarded.
	//
	// Ethernet is not thread-safe. Poll() and Send() must be called from
	// the polling thread of the stack.
	Ethernet struct {
		l          logrus.FieldLogger
		wire       physical.FullDuplexUnreliableWire
		macAddress net.HardwareAddr
		macEP      gopacket.Endpoint
		protocols  common.Registry[net.HardwareAddr]

		sentFrames  prometheus.Counter
		recvdFrames prometheus.Counter
		dropped     *prometheus.CounterVec
	}

	// Handler consumes the payload of an inbound frame together with
	// the src MAC address of the frame.
	Handler = common.Handler[net.HardwareAddr]

	// HandlerFunc adapts a function into a Handler.
	HandlerFunc = common.HandlerFunc[net.HardwareAddr]
)

const (
	dropReasonTruncated  = "truncated"
	dropReasonNotForUs   = "not_for_us"
	dropReasonNoProtocol = "no_protocol"
)

var (
	sentFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystem,
		Name:      "sent_frames",
		Help:      "Total number of frames handed to the wire.",
	}, []string{observability.StackName})
	recvdFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystem,
		Name:      "recvd_frames",
		Help:      "Total number of frames read from the wire.",
	}, []string{observability.StackName})
	droppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystem,
		Name:      "dropped_total",
		Help:      "Total number of inbound frames dropped, by reason.",
	}, []string{observability.StackName, observability.Reason})
)

// NewEthernet creates the link layer of a stack on top of wire.
func NewEthernet(stackName string, macAddress net.HardwareAddr, wire physical.FullDuplexUnreliableWire) *Ethernet {
	labels := prometheus.Labels{observability.StackName: stackName}
	return &Ethernet{
		l: logrus.
			WithField(observability.StackName, stackName).
			WithField("mac_address", macAddress.String()),
		wire:        wire,
		macAddress:  macAddress,
		macEP:       gplayers.NewMACEndpoint(macAddress),
		sentFrames:  sentFrames.With(labels),
		recvdFrames: recvdFrames.With(labels),
		dropped:     droppedFrames.MustCurryWith(labels),
	}
}

// AddProtocol registers the handler of an upper layer protocol.
func (e *Ethernet) AddProtocol(ethType gplayers.EthernetType, h Handler) {
	e.protocols.Add(uint16(ethType), h)
}

// MACAddress returns the MAC address of the stack.
func (e *Ethernet) MACAddress() net.HardwareAddr {
	return e.macAddress
}

// Send frames payload and hands it to the wire. Payloads shorter than
// MinPayloadLength are padded with zeros. There is no retry: a wire
// error is returned as is.
func (e *Ethernet) Send(
	ctx context.Context,
	payload []byte,
	dstMACAddress net.HardwareAddr,
	ethType gplayers.EthernetType,
) error {
	// validate payload size
	if len(payload) == 0 {
		return common.ErrCannotSendEmpty
	}
	if len(payload) > MTU {
		return fmt.Errorf("payload has %d bytes, link layer MTU is %d: %w", len(payload), MTU, common.ErrPayloadTooLarge)
	}

	// serialize frame
	buf := gopacket.NewSerializeBuffer()
	if len(payload) < MinPayloadLength {
		padded := make([]byte, MinPayloadLength)
		copy(padded, payload)
		payload = padded
	}
	frame := &gplayers.Ethernet{
		SrcMAC:       e.macAddress,
		DstMAC:       dstMACAddress,
		EthernetType: ethType,
	}
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, frame, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("error serializing ethernet layer: %w", err)
	}

	// send
	b := buf.Bytes()
	n, err := e.wire.Send(ctx, b)
	if err != nil {
		return fmt.Errorf("error sending ethernet frame: %w", err)
	}
	if n < len(b) {
		return fmt.Errorf("wrong number of bytes sent for ethernet frame. want %d, got %d", len(b), n)
	}
	e.sentFrames.Inc()

	return nil
}

// Poll reads at most one frame from the wire and processes it
// synchronously. It returns whether a frame was read.
func (e *Ethernet) Poll(ctx context.Context) (bool, error) {
	buf := make([]byte, physical.MTU)
	n, err := e.wire.Recv(ctx, buf)
	if err != nil {
		return false, fmt.Errorf("error receiving ethernet frame: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	e.recvdFrames.Inc()
	e.In(ctx, buf[:n])
	return true, nil
}

// In decaps an inbound frame and dispatches its payload to the upper
// layer protocol matching the ethertype. Invalid frames are dropped.
func (e *Ethernet) In(ctx context.Context, frameBuf []byte) {
	var frame gplayers.Ethernet
	if len(frameBuf) < HeaderLength {
		e.drop(dropReasonTruncated, frameBuf, nil)
		return
	}
	if err := frame.DecodeFromBytes(frameBuf, gopacket.NilDecodeFeedback); err != nil {
		e.drop(dropReasonTruncated, frameBuf, err)
		return
	}

	// check discard
	dstMACAddress := gplayers.NewMACEndpoint(frame.DstMAC)
	if dstMACAddress != e.macEP && dstMACAddress != BroadcastMACEndpoint() {
		e.drop(dropReasonNotForUs, frameBuf, nil)
		return
	}

	// dispatch
	err := e.protocols.Dispatch(ctx, frame.Payload, uint16(frame.EthernetType), frame.SrcMAC)
	if errors.Is(err, common.ErrNoHandler) {
		e.drop(dropReasonNoProtocol, frameBuf, err)
	} else if err != nil {
		e.l.
			WithError(err).
			WithField("ethertype", frame.EthernetType.String()).
			Debug("error handling inbound ethernet payload")
	}
}

func (e *Ethernet) drop(reason string, frameBuf []byte, err error) {
	e.dropped.WithLabelValues(reason).Inc()
	l := e.l.
		WithField("reason", reason).
		WithField("frame_len", len(frameBuf))
	if err != nil {
		l = l.WithError(err)
	}
	l.Debug("dropping inbound ethernet frame")
}
