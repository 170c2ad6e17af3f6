// Package metrics exports CFDP engine and transport counters to Prometheus
// and serves them, together with health and transaction reports, over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"avaneesh/cfdp-go/pkg/entity"
	"avaneesh/cfdp-go/pkg/pdu"
)

const namespace = "cfdp"

// Metrics holds the engine collectors. It implements entity.Observer.
type Metrics struct {
	PDUsSent      *prometheus.CounterVec
	PDUsReceived  *prometheus.CounterVec
	OctetsSent    prometheus.Counter
	OctetsRecv    prometheus.Counter
	MalformedPDUs prometheus.Counter
	TransportErrs prometheus.Counter

	TransactionsStarted *prometheus.CounterVec
	TransactionsEnded   *prometheus.CounterVec
	ActiveTransactions  *prometheus.GaugeVec

	Faults *prometheus.CounterVec

	FileDataOctets   *prometheus.CounterVec
	RetransmitOctets *prometheus.CounterVec
	FileDataSegments *prometheus.HistogramVec
}

var _ entity.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with registry
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PDUsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdus_sent_total",
			Help:      "PDUs handed to the transport, by type",
		}, []string{"type"}),

		PDUsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdus_received_total",
			Help:      "Well-formed PDUs addressed to this entity, by type",
		}, []string{"type"}),

		OctetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdu_octets_sent_total",
			Help:      "Encoded PDU octets sent",
		}),

		OctetsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdu_octets_received_total",
			Help:      "Encoded PDU octets received",
		}),

		MalformedPDUs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_pdus_total",
			Help:      "Inbound PDUs discarded because they could not be decoded",
		}),

		TransportErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "PDUs the transport failed to send",
		}),

		TransactionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_started_total",
			Help:      "Transactions created, by role",
		}, []string{"role"}),

		TransactionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_ended_total",
			Help:      "Transactions disposed, by role, final state and condition code",
		}, []string{"role", "state", "condition"}),

		ActiveTransactions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transactions",
			Help:      "Transactions currently in the table",
		}, []string{"role"}),

		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Faults raised, by condition code",
		}, []string{"condition"}),

		FileDataOctets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_data_octets_total",
			Help:      "File data octets sent (sender) or received (receiver)",
		}, []string{"role"}),

		RetransmitOctets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmitted_octets_total",
			Help:      "File data octets sent again in answer to a NAK",
		}, []string{"role"}),

		FileDataSegments: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_data_segment_octets",
			Help:      "Size of file data segments",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
		}, []string{"role"}),
	}

	registry.MustRegister(
		m.PDUsSent,
		m.PDUsReceived,
		m.OctetsSent,
		m.OctetsRecv,
		m.MalformedPDUs,
		m.TransportErrs,
		m.TransactionsStarted,
		m.TransactionsEnded,
		m.ActiveTransactions,
		m.Faults,
		m.FileDataOctets,
		m.RetransmitOctets,
		m.FileDataSegments,
	)
	return m
}

// PDUSent implements entity.Observer
func (m *Metrics) PDUSent(kind string, octets int) {
	m.PDUsSent.WithLabelValues(kind).Inc()
	m.OctetsSent.Add(float64(octets))
}

// PDUReceived implements entity.Observer
func (m *Metrics) PDUReceived(kind string, octets int) {
	m.PDUsReceived.WithLabelValues(kind).Inc()
	m.OctetsRecv.Add(float64(octets))
}

// MalformedPDU implements entity.Observer
func (m *Metrics) MalformedPDU() {
	m.MalformedPDUs.Inc()
}

// TransportError implements entity.Observer
func (m *Metrics) TransportError() {
	m.TransportErrs.Inc()
}

// TransactionStarted implements entity.Observer
func (m *Metrics) TransactionStarted(role entity.Role) {
	m.TransactionsStarted.WithLabelValues(role.String()).Inc()
	m.ActiveTransactions.WithLabelValues(role.String()).Inc()
}

// TransactionEnded implements entity.Observer
func (m *Metrics) TransactionEnded(role entity.Role, state entity.State, condition pdu.ConditionCode) {
	m.TransactionsEnded.WithLabelValues(role.String(), state.String(), condition.String()).Inc()
	m.ActiveTransactions.WithLabelValues(role.String()).Dec()
}

// Fault implements entity.Observer
func (m *Metrics) Fault(condition pdu.ConditionCode) {
	m.Faults.WithLabelValues(condition.String()).Inc()
}

// FileData implements entity.Observer
func (m *Metrics) FileData(role entity.Role, octets int, retransmit bool) {
	r := role.String()
	m.FileDataOctets.WithLabelValues(r).Add(float64(octets))
	m.FileDataSegments.WithLabelValues(r).Observe(float64(octets))
	if retransmit {
		m.RetransmitOctets.WithLabelValues(r).Add(float64(octets))
	}
}
