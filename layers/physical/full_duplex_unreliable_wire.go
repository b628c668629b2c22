package physical

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/matheuscscp/net-stack/layers/common"
	"github.com/matheuscscp/net-stack/observability"
	pkgcontext "github.com/matheuscscp/net-stack/pkg/context"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

type (
	// FullDuplexUnreliableWire is the driver of the stack: a medium
	// where whole frames can be sent and received at the same time.
	// No guarantee is provided about the delivery/integrity.
	//
	// Recv returns (0, nil) when no frame is available, which is how
	// the link layer tells an idle poll from a failure.
	FullDuplexUnreliableWire interface {
		Send(ctx context.Context, frame []byte) (n int, err error)
		Recv(ctx context.Context, frame []byte) (n int, err error)
		Close() error
	}

	// FullDuplexUnreliableWireConfig contains the UDP configs for
	// the concrete implementation of FullDuplexUnreliableWire.
	FullDuplexUnreliableWireConfig struct {
		RecvUDPEndpoint string `yaml:"recvUDPEndpoint"`
		SendUDPEndpoint string `yaml:"sendUDPEndpoint"`
		// RecvTimeout bounds how long Recv blocks waiting for a frame.
		// Zero means Recv blocks until a frame arrives or ctx is done.
		RecvTimeout time.Duration  `yaml:"recvTimeout"`
		Capture     *CaptureConfig `yaml:"capture"`
	}

	// CaptureConfig allows specifying configurations for capturing
	// traffic in the pcapng format.
	CaptureConfig struct {
		Filename string `yaml:"filename"`
	}

	fullDuplexUnreliableWire struct {
		ctx            context.Context
		cancelCtx      context.CancelFunc
		conf           *FullDuplexUnreliableWireConfig
		l              logrus.FieldLogger
		conn           net.Conn
		wg             sync.WaitGroup
		captureCh      chan []byte
		recvdBytes     prometheus.Counter
		sentBytes      prometheus.Counter
		recvLatencyNs  prometheus.Observer
		sendLatencyNs  prometheus.Observer
		activeCaptures prometheus.Gauge
	}
)

const (
	labelNameRecvUDPEndpoint = "recv_udp_endpoint"
	labelNameSendUDPEndpoint = "send_udp_endpoint"
)

var (
	metricLabels = []string{
		observability.StackName,
		labelNameRecvUDPEndpoint,
		labelNameSendUDPEndpoint,
	}
	recvdBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystem,
		Name:      "recvd_bytes",
		Help:      "Total number of received bytes.",
	}, metricLabels)
	sentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystem,
		Name:      "sent_bytes",
		Help:      "Total number of sent bytes.",
	}, metricLabels)
	recvLatencyNs = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystem,
		Name:      "recv_latency_ns",
		Help:      "Latency in nanoseconds of FullDuplexUnreliableWire.Recv().",
	}, metricLabels)
	sendLatencyNs = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystem,
		Name:      "send_latency_ns",
		Help:      "Latency in nanoseconds of FullDuplexUnreliableWire.Send().",
	}, metricLabels)
	activeCaptures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: observability.Namespace,
		Subsystem: promSubsystem,
		Name:      "active_captures",
		Help:      "Number of go routines currently blocked on producing a frame into the capture channel.",
	}, metricLabels)
)

// NewFullDuplexUnreliableWire creates a FullDuplexUnreliableWire from config.
// The stackName is only used for labeling metrics.
func NewFullDuplexUnreliableWire(
	ctx context.Context,
	stackName string,
	conf FullDuplexUnreliableWireConfig,
) (FullDuplexUnreliableWire, error) {
	// create UDP socket on the host network and wire
	recvAddr, err := net.ResolveUDPAddr("udp", conf.RecvUDPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("error resolving udp address of recv endpoint: %w", err)
	}
	dialer := &net.Dialer{LocalAddr: recvAddr}
	conn, err := dialer.DialContext(ctx, "udp", conf.SendUDPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("error dialing udp: %w", err)
	}
	wireCtx, cancel := context.WithCancel(context.Background())
	labels := prometheus.Labels{
		observability.StackName:  stackName,
		labelNameRecvUDPEndpoint: conf.RecvUDPEndpoint,
		labelNameSendUDPEndpoint: conf.SendUDPEndpoint,
	}
	f := &fullDuplexUnreliableWire{
		ctx:       wireCtx,
		cancelCtx: cancel,
		conf:      &conf,
		l: logrus.
			WithField(observability.StackName, stackName).
			WithField(labelNameRecvUDPEndpoint, conf.RecvUDPEndpoint).
			WithField(labelNameSendUDPEndpoint, conf.SendUDPEndpoint),
		conn:           conn,
		recvdBytes:     recvdBytes.With(labels),
		sentBytes:      sentBytes.With(labels),
		recvLatencyNs:  recvLatencyNs.With(labels),
		sendLatencyNs:  sendLatencyNs.With(labels),
		activeCaptures: activeCaptures.With(labels),
	}

	if conf.Capture != nil {
		if err := f.startCapture(conf.Capture.Filename); err != nil {
			cancel()
			conn.Close()
			return nil, err
		}
	}

	return f, nil
}

func (f *fullDuplexUnreliableWire) startCapture(filename string) error {
	// open capture file and pcapng writer
	captureFile, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("error creating capture file %s: %w", filename, err)
	}
	captureWriter, err := pcapgo.NewNgWriter(captureFile, gplayers.LinkTypeEthernet)
	if err != nil {
		captureFile.Close()
		return fmt.Errorf("error creating pcapng writer: %w", err)
	}

	// start capture thread
	f.captureCh = make(chan []byte, channelSize)
	f.wg.Add(1)
	go func() {
		defer func() {
			captureWriter.Flush()
			captureFile.Close()
			f.wg.Done()
		}()

		ctxDone := f.ctx.Done()
		for {
			select {
			case <-ctxDone:
				return
			case b := <-f.captureCh:
				err := captureWriter.WritePacket(gopacket.CaptureInfo{
					Timestamp:     time.Now(),
					CaptureLength: len(b),
					Length:        len(b),
				}, b)
				if err != nil {
					f.l.
						WithError(err).
						Error("error capturing frame")
					continue
				}
				captureWriter.Flush()
			}
		}
	}()

	return nil
}

func (f *fullDuplexUnreliableWire) Send(ctx context.Context, frame []byte) (n int, err error) {
	// validate frame size
	if len(frame) == 0 {
		return 0, common.ErrCannotSendEmpty
	}
	if len(frame) > MTU {
		return 0, fmt.Errorf("frame has %d bytes, physical layer MTU is %d: %w", len(frame), MTU, common.ErrPayloadTooLarge)
	}

	// initially, no timeout
	if err := f.conn.SetWriteDeadline(time.Time{}); err != nil {
		return 0, fmt.Errorf("error setting write deadline to zero: %w", err)
	}

	return f.blockingOp(ctx, f.conn.SetWriteDeadline, func() (int, error) {
		t0 := time.Now()
		n, err := f.conn.Write(frame)
		f.sendLatencyNs.Observe(float64(time.Since(t0).Nanoseconds()))
		if err == nil {
			f.capture(frame[:n])
			f.sentBytes.Add(float64(n))
		}
		return n, err
	})
}

func (f *fullDuplexUnreliableWire) Recv(ctx context.Context, frame []byte) (n int, err error) {
	var deadline time.Time
	if f.conf.RecvTimeout > 0 {
		deadline = time.Now().Add(f.conf.RecvTimeout)
	}
	if err := f.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("error setting read deadline: %w", err)
	}

	return f.blockingOp(ctx, f.conn.SetReadDeadline, func() (int, error) {
		t0 := time.Now()
		n, err := f.conn.Read(frame)
		f.recvLatencyNs.Observe(float64(time.Since(t0).Nanoseconds()))
		switch {
		case err == nil:
			b := make([]byte, n)
			copy(b, frame)
			f.capture(b)
			f.recvdBytes.Add(float64(n))
			return n, nil
		case errors.Is(err, syscall.ECONNREFUSED):
			// the peer is not listening yet
			return 0, nil
		case errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() == nil && f.ctx.Err() == nil:
			// recv timeout, no frame
			return 0, nil
		}
		return n, err
	})
}

// blockingOp runs op in a separate thread and, if ctx (or the wire
// context) is done first, forces op to return by moving the deadline
// of the connection to now.
func (f *fullDuplexUnreliableWire) blockingOp(
	ctx context.Context,
	setDeadline func(time.Time) error,
	op func() (int, error),
) (n int, err error) {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		n, err = op()
	}()

	ctx, cancel := pkgcontext.WithCancelOnAnotherContext(ctx, f.ctx)
	defer cancel()
	select {
	case <-ctx.Done():
		if err := setDeadline(time.Now()); err != nil { // force timeout for ongoing blocked op
			return 0, fmt.Errorf("error forcing timeout after context done: %w", err)
		}
		<-ch
		return 0, ctx.Err()
	case <-ch:
		return
	}
}

func (f *fullDuplexUnreliableWire) Close() error {
	// cancel ctx
	var cancel context.CancelFunc
	cancel, f.cancelCtx = f.cancelCtx, nil
	if cancel == nil {
		return nil
	}
	cancel()

	// wait threads
	f.wg.Wait()

	return f.conn.Close()
}

func (f *fullDuplexUnreliableWire) capture(b []byte) {
	if f.captureCh == nil {
		return
	}

	go func() {
		f.activeCaptures.Inc()
		defer f.activeCaptures.Dec()
		select {
		case f.captureCh <- b:
		case <-f.ctx.Done():
		}
	}()
}
