package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"avaneesh/cfdp-go/pkg/channel"
)

// TransportCollector reads transport statistics at scrape time
type TransportCollector struct {
	stats func() channel.TransportStats

	bytesDesc    *prometheus.Desc
	messagesDesc *prometheus.Desc
	errorsDesc   *prometheus.Desc
	connectsDesc *prometheus.Desc
}

// NewTransportCollector creates a collector for one transport. kind labels
// the samples (udp, tcp, quic, websocket, memory).
func NewTransportCollector(kind string, stats func() channel.TransportStats) *TransportCollector {
	const subsystem = "transport"
	labels := prometheus.Labels{"transport": kind}

	return &TransportCollector{
		stats: stats,

		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_total"),
			"Octets moved by the transport",
			[]string{"direction"}, labels,
		),
		messagesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "messages_total"),
			"PDUs moved by the transport",
			[]string{"direction"}, labels,
		),
		errorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "errors_total"),
			"Read and write errors",
			[]string{"direction"}, labels,
		),
		connectsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "connection_events_total"),
			"Connections established and lost",
			[]string{"event"}, labels,
		),
	}
}

// Describe implements prometheus.Collector
func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesDesc
	ch <- c.messagesDesc
	ch <- c.errorsDesc
	ch <- c.connectsDesc
}

// Collect implements prometheus.Collector
func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(s.BytesSent), "tx")
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(s.BytesReceived), "rx")
	ch <- prometheus.MustNewConstMetric(c.messagesDesc, prometheus.CounterValue, float64(s.MessagesSent), "tx")
	ch <- prometheus.MustNewConstMetric(c.messagesDesc, prometheus.CounterValue, float64(s.MessagesReceived), "rx")
	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(s.WriteErrors), "tx")
	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(s.ReadErrors), "rx")
	ch <- prometheus.MustNewConstMetric(c.connectsDesc, prometheus.CounterValue, float64(s.Connects), "connect")
	ch <- prometheus.MustNewConstMetric(c.connectsDesc, prometheus.CounterValue, float64(s.Disconnects), "disconnect")
}
