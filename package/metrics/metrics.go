package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics of one node
type Metrics struct {
	Registry *prometheus.Registry

	// Physical layer
	PhyFramesSent     prometheus.Counter
	PhyFramesReceived prometheus.Counter
	PhyLengthErrors   prometheus.Counter
	PhyFECErrors      prometheus.Counter

	// Link layer
	MacFramesDropped     *prometheus.CounterVec
	MacRetransmissions   prometheus.Counter
	MacBackoffs          prometheus.Counter
	MacAcksSent          prometheus.Counter
	MacPayloadsDelivered prometheus.Counter
	MacSendsCompleted    prometheus.Counter
	MacSendDuration      prometheus.Histogram

	// Tunnel
	TunnelPackets   *prometheus.CounterVec
	TunnelCRCErrors prometheus.Counter

	AudioInputPower prometheus.Gauge
}

// New registers every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		PhyFramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "phy_frames_sent_total",
			Help: "Physical frames handed to the audio output",
		}),
		PhyFramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "phy_frames_received_total",
			Help: "Physical frames decoded and delivered",
		}),
		PhyLengthErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "phy_length_errors_total",
			Help: "Length fields outside the valid range",
		}),
		PhyFECErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "phy_fec_errors_total",
			Help: "Frames dropped because FEC decoding failed",
		}),

		MacFramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mac_frames_dropped_total",
			Help: "Link frames dropped by the listener",
		}, []string{"reason"}),
		MacRetransmissions: f.NewCounter(prometheus.CounterOpts{
			Name: "mac_retransmissions_total",
			Help: "Data frames sent again after a timeout or a stale ack",
		}),
		MacBackoffs: f.NewCounter(prometheus.CounterOpts{
			Name: "mac_backoffs_total",
			Help: "Transmissions deferred because the channel was busy",
		}),
		MacAcksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "mac_acks_sent_total",
			Help: "Acknowledgements transmitted",
		}),
		MacPayloadsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "mac_payloads_delivered_total",
			Help: "In-order payloads handed to the application",
		}),
		MacSendsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "mac_sends_completed_total",
			Help: "Payloads acknowledged by the peer",
		}),
		MacSendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mac_send_duration_seconds",
			Help:    "Time from send request to acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		TunnelPackets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_packets_total",
			Help: "IP packets carried over the link",
		}, []string{"direction"}),
		TunnelCRCErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_crc_errors_total",
			Help: "Reassembled packets failing the CRC-8 check",
		}),

		AudioInputPower: f.NewGauge(prometheus.GaugeOpts{
			Name: "audio_input_power",
			Help: "Moving average of the squared input sample",
		}),
	}
}

// Serve exposes /metrics on listen until ctx is done.
func (m *Metrics) Serve(ctx context.Context, listen string, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// PollPower samples the input power into the gauge every interval.
func (m *Metrics) PollPower(ctx context.Context, interval time.Duration, power func() float64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.AudioInputPower.Set(power())
		}
	}
}
