package network

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/matheuscscp/net-stack/layers/link"
	"github.com/matheuscscp/net-stack/observability"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

type (
	// ARP resolves IP addresses of the local network into MAC addresses.
	//
	// Learned mappings are kept in a cache for ARPConfig.CacheTimeout.
	// A datagram sent to an unresolved address is buffered while an
	// ARP request is in flight. Only one datagram is buffered per address:
	// until the buffered one is flushed or expires, newer datagrams for
	// the same address are dropped. Expiry is passive, i.e. expired
	// entries are ignored on lookup and nothing is ever resent.
	//
	// ARP is not thread-safe.
	ARP struct {
		l         logrus.FieldLogger
		eth       *link.Ethernet
		ipAddress net.IP
		ipEP      gopacket.Endpoint
		cache     *ttlcache.Cache[gopacket.Endpoint, gopacket.Endpoint]
		pending   *ttlcache.Cache[gopacket.Endpoint, []byte]
		dropped   *prometheus.CounterVec
	}

	// ARPConfig contains the timeouts of the ARP cache and of the
	// pending datagrams.
	ARPConfig struct {
		CacheTimeout   time.Duration
		PendingTimeout time.Duration
	}

	// ARPEntry is a valid mapping of the ARP cache.
	ARPEntry struct {
		IPAddress  net.IP
		MACAddress net.HardwareAddr
		ExpiresAt  time.Time
	}
)

const (
	dropReasonTruncated   = "truncated"
	dropReasonBadHeader   = "bad_header"
	dropReasonPending     = "pending"
	dropReasonBadChecksum = "bad_checksum"
	dropReasonNotForUs    = "not_for_us"
	dropReasonNoProtocol  = "no_protocol"
)

var (
	droppedARP = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystemARP,
		Name:      "dropped_total",
		Help:      "Total number of ARP packets and pending datagrams dropped, by reason.",
	}, []string{observability.StackName, observability.Reason})
)

// NewARP creates the ARP resolver of a stack and announces the stack on
// the network by requesting its own IP address.
func NewARP(
	ctx context.Context,
	stackName string,
	eth *link.Ethernet,
	ipAddress net.IP,
	conf ARPConfig,
) (*ARP, error) {
	if conf.CacheTimeout <= 0 {
		conf.CacheTimeout = DefaultARPCacheTimeout
	}
	if conf.PendingTimeout <= 0 {
		conf.PendingTimeout = DefaultARPPendingTimeout
	}
	a := &ARP{
		l: logrus.
			WithField(observability.StackName, stackName).
			WithField("ip_address", ipAddress.String()),
		eth:       eth,
		ipAddress: ipAddress.To4(),
		ipEP:      gplayers.NewIPEndpoint(ipAddress.To4()),
		cache: ttlcache.New(
			ttlcache.WithTTL[gopacket.Endpoint, gopacket.Endpoint](conf.CacheTimeout),
			ttlcache.WithDisableTouchOnHit[gopacket.Endpoint, gopacket.Endpoint](),
		),
		pending: ttlcache.New(
			ttlcache.WithTTL[gopacket.Endpoint, []byte](conf.PendingTimeout),
			ttlcache.WithDisableTouchOnHit[gopacket.Endpoint, []byte](),
		),
		dropped: droppedARP.MustCurryWith(prometheus.Labels{observability.StackName: stackName}),
	}
	if err := a.SendRequest(ctx, a.ipAddress); err != nil {
		return nil, fmt.Errorf("error announcing ip address: %w", err)
	}
	return a, nil
}

// ResolveAndSend sends datagram to the MAC address of dstIPAddress. If the
// MAC address is unknown, a copy of datagram is buffered and an ARP
// request is broadcast, unless another datagram is already waiting for
// dstIPAddress, in which case datagram is dropped.
func (a *ARP) ResolveAndSend(ctx context.Context, datagram []byte, dstIPAddress net.IP) error {
	dst := gplayers.NewIPEndpoint(dstIPAddress.To4())

	// cache hit
	if item := a.cache.Get(dst); item != nil {
		mac := net.HardwareAddr(item.Value().Raw())
		if err := a.eth.Send(ctx, datagram, mac, gplayers.EthernetTypeIPv4); err != nil {
			return fmt.Errorf("error sending ip datagram: %w", err)
		}
		return nil
	}

	// resolution in flight
	if item := a.pending.Get(dst); item != nil {
		a.dropped.WithLabelValues(dropReasonPending).Inc()
		a.l.
			WithField("dst_ip_address", dst.String()).
			Debug("arp resolution pending. dropping ip datagram")
		return nil
	}

	a.pending.Set(dst, append([]byte(nil), datagram...), ttlcache.DefaultTTL)
	if err := a.SendRequest(ctx, dstIPAddress); err != nil {
		return fmt.Errorf("error sending arp request: %w", err)
	}
	return nil
}

// SendRequest broadcasts an ARP request for targetIPAddress.
func (a *ARP) SendRequest(ctx context.Context, targetIPAddress net.IP) error {
	return a.send(ctx, &gplayers.ARP{
		Operation:      gplayers.ARPRequest,
		DstHwAddress:   make(net.HardwareAddr, 6),
		DstProtAddress: targetIPAddress.To4(),
	}, link.BroadcastMACAddress())
}

// SendReply unicasts an ARP reply with the MAC address of the stack.
func (a *ARP) SendReply(ctx context.Context, targetIPAddress net.IP, targetMACAddress net.HardwareAddr) error {
	return a.send(ctx, &gplayers.ARP{
		Operation:      gplayers.ARPReply,
		DstHwAddress:   targetMACAddress,
		DstProtAddress: targetIPAddress.To4(),
	}, targetMACAddress)
}

func (a *ARP) send(ctx context.Context, arp *gplayers.ARP, dstMACAddress net.HardwareAddr) error {
	// fill default fields
	arp.AddrType = gplayers.LinkTypeEthernet
	arp.Protocol = gplayers.EthernetTypeIPv4
	arp.HwAddressSize = 6
	arp.ProtAddressSize = 4
	arp.SourceHwAddress = a.eth.MACAddress()
	arp.SourceProtAddress = a.ipAddress

	// serialize
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, arp); err != nil {
		return fmt.Errorf("error serializing arp layer: %w", err)
	}

	// send
	return a.eth.Send(ctx, buf.Bytes(), dstMACAddress, gplayers.EthernetTypeARP)
}

// HandleFrame processes an inbound ARP packet. Any valid packet refreshes
// the cache entry of its sender. If a datagram is waiting for the sender,
// it is flushed. Otherwise, requests for the IP address of the stack are
// replied.
func (a *ARP) HandleFrame(ctx context.Context, packet []byte, srcMACAddress net.HardwareAddr) error {
	// validate
	if len(packet) < ARPPacketLength {
		a.drop(dropReasonTruncated, packet, nil)
		return nil
	}
	op := binary.BigEndian.Uint16(packet[6:8])
	if binary.BigEndian.Uint16(packet[0:2]) != uint16(gplayers.LinkTypeEthernet) ||
		binary.BigEndian.Uint16(packet[2:4]) != uint16(gplayers.EthernetTypeIPv4) ||
		packet[4] != 6 ||
		packet[5] != 4 ||
		(op != gplayers.ARPRequest && op != gplayers.ARPReply) {
		a.drop(dropReasonBadHeader, packet, nil)
		return nil
	}
	var arp gplayers.ARP
	if err := arp.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
		a.drop(dropReasonBadHeader, packet, err)
		return nil
	}

	// cache mapping
	sender := gplayers.NewIPEndpoint(net.IP(arp.SourceProtAddress))
	senderMAC := net.HardwareAddr(arp.SourceHwAddress)
	a.cache.Set(sender, gplayers.NewMACEndpoint(senderMAC), ttlcache.DefaultTTL)

	// flush pending datagram
	if item := a.pending.Get(sender); item != nil {
		a.pending.Delete(sender)
		if err := a.eth.Send(ctx, item.Value(), senderMAC, gplayers.EthernetTypeIPv4); err != nil {
			a.l.
				WithError(err).
				WithField("dst_ip_address", sender.String()).
				Error("error sending arp-delayed ip datagram")
		}
		return nil
	}

	// reply arp request
	if op == gplayers.ARPRequest && gplayers.NewIPEndpoint(net.IP(arp.DstProtAddress)) == a.ipEP {
		if err := a.SendReply(ctx, net.IP(arp.SourceProtAddress), senderMAC); err != nil {
			a.l.
				WithError(err).
				WithField("dst_ip_address", sender.String()).
				Error("error sending arp reply")
		}
	}

	return nil
}

// Entries returns the valid mappings of the cache sorted by IP address.
func (a *ARP) Entries() []ARPEntry {
	now := time.Now()
	var entries []ARPEntry
	for ip, item := range a.cache.Items() {
		if item.IsExpired() || !item.ExpiresAt().After(now) {
			continue
		}
		entries = append(entries, ARPEntry{
			IPAddress:  net.IP(ip.Raw()),
			MACAddress: net.HardwareAddr(item.Value().Raw()),
			ExpiresAt:  item.ExpiresAt(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return ip4Less(entries[i].IPAddress, entries[j].IPAddress)
	})
	return entries
}

// String renders the valid mappings of the cache as a table.
func (a *ARP) String() string {
	var b strings.Builder
	b.WriteString("===ARP TABLE BEGIN===\n")
	for _, e := range a.Entries() {
		fmt.Fprintf(&b, "%s | %s | %s\n", e.IPAddress, e.MACAddress, e.ExpiresAt.Format(time.RFC3339))
	}
	b.WriteString("===ARP TABLE  END ===\n")
	return b.String()
}

func (a *ARP) drop(reason string, packet []byte, err error) {
	a.dropped.WithLabelValues(reason).Inc()
	l := a.l.
		WithField("reason", reason).
		WithField("packet_len", len(packet))
	if err != nil {
		l = l.WithError(err)
	}
	l.Debug("dropping inbound arp packet")
}

func ip4Less(x, y net.IP) bool {
	return binary.BigEndian.Uint32(x.To4()) < binary.BigEndian.Uint32(y.To4())
}
