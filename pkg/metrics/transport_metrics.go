// Package metrics exposes Prometheus collectors for the transport and
// application layers. All collectors are registered on the default registry
// and labeled by transport instance name, so one process can serve several
// physical links.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Transport Metrics
// =============================================================================

var (
	// PacketsTxTotal counts packets handed to the link layer.
	PacketsTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_packets_tx_total",
			Help: "Total packets sent to the link layer",
		},
		[]string{"instance"},
	)

	// PacketsRxTotal counts packets fully parsed by the receive state machine.
	PacketsRxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_packets_rx_total",
			Help: "Total packets parsed from the link byte stream",
		},
		[]string{"instance"},
	)

	// BytesTxTotal counts link-layer bytes sent, framing included.
	BytesTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_bytes_tx_total",
			Help: "Total bytes sent to the link layer",
		},
		[]string{"instance"},
	)

	// BytesRxTotal counts raw bytes fed into the receive state machine.
	BytesRxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_bytes_rx_total",
			Help: "Total bytes consumed from the link layer",
		},
		[]string{"instance"},
	)

	// ChecksumErrorsTotal counts packets dropped for footer checksum mismatch.
	ChecksumErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_checksum_errors_total",
			Help: "Total packets rejected due to checksum mismatch",
		},
		[]string{"instance"},
	)

	// RetransmitsTotal counts payload fragments sent more than once.
	RetransmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_retransmits_total",
			Help: "Total payload retransmissions",
		},
		[]string{"instance"},
	)

	// ResetsTotal counts reset packets sent, by origin of the reset.
	ResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_resets_total",
			Help: "Total transport resets",
		},
		[]string{"instance", "reason"},
	)

	// DatagramsDeliveredTotal counts fully reassembled datagrams handed to
	// the application layer.
	DatagramsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_datagrams_delivered_total",
			Help: "Total reassembled datagrams delivered to the application layer",
		},
		[]string{"instance"},
	)

	// DatagramsDroppedTotal counts datagrams dropped by the transport,
	// either rejected at enqueue or received with no receiver bound.
	DatagramsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_datagrams_dropped_total",
			Help: "Total datagrams dropped by the transport",
		},
		[]string{"instance"},
	)

	// TxQueueDepth tracks the number of datagrams waiting in the Tx queue.
	TxQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chpp_transport_tx_queue_depth",
			Help: "Outbound datagrams currently queued",
		},
		[]string{"instance"},
	)

	// LinkSendErrorsTotal counts link sends that failed outright.
	LinkSendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_transport_link_send_errors_total",
			Help: "Total link-layer send failures",
		},
		[]string{"instance"},
	)
)

// =============================================================================
// Application Layer Metrics
// =============================================================================

var (
	// AppRxDatagramsTotal counts datagrams dispatched by the app layer,
	// labeled by handle class.
	AppRxDatagramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_app_rx_datagrams_total",
			Help: "Total datagrams dispatched by the application layer",
		},
		[]string{"instance", "handle"},
	)

	// AppErrorsTotal counts application-layer errors, labeled by error name.
	AppErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chpp_app_errors_total",
			Help: "Total application layer errors",
		},
		[]string{"instance", "error"},
	)

	// RequestLatencySeconds measures client request/response round trips.
	RequestLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chpp_app_request_latency_seconds",
			Help:    "Latency of client requests, by command",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"instance", "handle"},
	)
)
