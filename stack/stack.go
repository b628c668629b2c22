package stack

import (
	"context"
	"fmt"
	"net"

	"github.com/matheuscscp/net-stack/layers/link"
	"github.com/matheuscscp/net-stack/layers/network"
	"github.com/matheuscscp/net-stack/layers/physical"
	"github.com/matheuscscp/net-stack/layers/transport"
	"github.com/matheuscscp/net-stack/observability"
	pkgcontext "github.com/matheuscscp/net-stack/pkg/context"
	pkgio "github.com/matheuscscp/net-stack/pkg/io"

	gplayers "github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

type (
	// Stack owns every layer of a single-interface IPv4 network stack:
	// Ethernet, ARP, IPv4, ICMP and UDP on top of a wire.
	//
	// Inbound frames are processed synchronously by Poll(). A Stack is
	// not safe for concurrent use: Poll(), Run() and the Send methods of
	// the layers must be called from a single goroutine.
	Stack struct {
		conf *Config
		l    logrus.FieldLogger
		wire physical.FullDuplexUnreliableWire
		eth  *link.Ethernet
		arp  *network.ARP
		ip   *network.IPv4
		icmp *network.ICMP
		udp  *transport.UDP
	}
)

// New creates a Stack on top of wire. The stack takes ownership of wire,
// even when an error is returned.
func New(ctx context.Context, conf Config, wire physical.FullDuplexUnreliableWire) (*Stack, error) {
	if err := conf.Validate(); err != nil {
		wire.Close()
		return nil, fmt.Errorf("invalid stack config: %w", err)
	}

	s := &Stack{
		conf: &conf,
		l: logrus.
			WithField(observability.StackName, conf.StackName).
			WithField("mac_address", conf.macAddress.String()).
			WithField("ip_address", conf.ipAddress.String()),
		wire: wire,
	}
	s.eth = link.NewEthernet(conf.StackName, conf.macAddress, wire)
	var err error
	s.arp, err = network.NewARP(ctx, conf.StackName, s.eth, conf.ipAddress, conf.arpConfig())
	if err != nil {
		wire.Close()
		return nil, fmt.Errorf("error creating arp: %w", err)
	}
	s.ip, err = network.NewIPv4(conf.StackName, s.arp, conf.ipAddress, conf.ipv4Config())
	if err != nil {
		wire.Close()
		return nil, fmt.Errorf("error creating ipv4 layer: %w", err)
	}
	s.icmp = network.NewICMP(conf.StackName, s.ip)
	s.udp = transport.NewUDP(conf.StackName, s.ip, s.icmp)
	s.eth.AddProtocol(gplayers.EthernetTypeARP, link.HandlerFunc(s.arp.HandleFrame))
	s.eth.AddProtocol(gplayers.EthernetTypeIPv4, link.HandlerFunc(s.ip.HandleFrame))

	return s, nil
}

// NewFromConfig creates a Stack on top of the UDP wire described by conf.
func NewFromConfig(ctx context.Context, conf Config) (*Stack, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stack config: %w", err)
	}
	wire, err := physical.NewFullDuplexUnreliableWire(ctx, conf.StackName, conf.Wire)
	if err != nil {
		return nil, fmt.Errorf("error creating wire: %w", err)
	}
	return New(ctx, conf, wire)
}

// NewFromConfigFile creates a Stack from a YAML config file.
func NewFromConfigFile(ctx context.Context, file string) (*Stack, error) {
	conf, err := ReadConfigFile(file)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(ctx, *conf)
}

// Poll reads at most one frame from the wire and runs it through the
// whole stack. It returns whether a frame was read.
func (s *Stack) Poll(ctx context.Context) (bool, error) {
	return s.eth.Poll(ctx)
}

// Run polls the wire until ctx is done or the wire fails. Cancelling ctx
// is not an error.
func (s *Stack) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if _, err := s.Poll(ctx); err != nil {
			if pkgcontext.IsContextError(ctx, err) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Close closes the wire.
func (s *Stack) Close() error {
	return pkgio.Close(s.wire)
}

// OpenUDPEcho opens port with a handler that sends every payload back
// to its source.
func (s *Stack) OpenUDPEcho(port uint16) {
	s.udp.Open(port, transport.HandlerFunc(
		func(ctx context.Context, payload []byte, srcIPAddress net.IP, srcPort uint16) error {
			s.l.
				WithField("port", port).
				WithField("src_ip_address", srcIPAddress.String()).
				WithField("src_port", srcPort).
				Debug("echoing udp payload")
			if err := s.udp.Send(ctx, payload, port, srcIPAddress, srcPort); err != nil {
				return fmt.Errorf("error echoing udp payload: %w", err)
			}
			return nil
		}))
}

// Config returns the validated config of the stack.
func (s *Stack) Config() Config {
	return *s.conf
}

func (s *Stack) Ethernet() *link.Ethernet {
	return s.eth
}

func (s *Stack) ARP() *network.ARP {
	return s.arp
}

func (s *Stack) IPv4() *network.IPv4 {
	return s.ip
}

func (s *Stack) ICMP() *network.ICMP {
	return s.icmp
}

func (s *Stack) UDP() *transport.UDP {
	return s.udp
}
