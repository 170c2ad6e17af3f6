package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avaneesh/cfdp-go/pkg/channel"
	"avaneesh/cfdp-go/pkg/entity"
	"avaneesh/cfdp-go/pkg/pdu"
	"avaneesh/cfdp-go/pkg/store"
)

type fakeReporter struct {
	active  []entity.Status
	history []store.Record
	err     error
	limit   int
}

func (f *fakeReporter) ID() pdu.EntityID { return 7 }

func (f *fakeReporter) Transactions() []entity.Status { return f.active }

func (f *fakeReporter) History(limit int) ([]store.Record, error) {
	f.limit = limit
	return f.history, f.err
}

func TestMetrics_Observer(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.PDUSent("Metadata", 40)
	m.PDUSent("FileData", 100)
	m.PDUSent("FileData", 100)
	m.PDUReceived("ACK", 12)
	m.MalformedPDU()
	m.TransportError()
	m.TransactionStarted(entity.RoleSender)
	m.TransactionStarted(entity.RoleSender)
	m.TransactionEnded(entity.RoleSender, entity.StateFinished, pdu.NoError)
	m.Fault(pdu.InactivityDetected)
	m.FileData(entity.RoleSender, 64, false)
	m.FileData(entity.RoleSender, 64, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PDUsSent.WithLabelValues("FileData")))
	assert.Equal(t, 240.0, testutil.ToFloat64(m.OctetsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PDUsReceived.WithLabelValues("ACK")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.OctetsRecv))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MalformedPDUs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportErrs))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransactionsStarted.WithLabelValues("sender")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveTransactions.WithLabelValues("sender")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.TransactionsEnded.WithLabelValues("sender", "Finished", pdu.NoError.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Faults.WithLabelValues(pdu.InactivityDetected.String())))
	assert.Equal(t, 128.0, testutil.ToFloat64(m.FileDataOctets.WithLabelValues("sender")))
	assert.Equal(t, 64.0, testutil.ToFloat64(m.RetransmitOctets.WithLabelValues("sender")))
}

func TestTransportCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewTransportCollector("udp", func() channel.TransportStats {
		return channel.TransportStats{BytesSent: 10, BytesReceived: 20, MessagesSent: 1, MessagesReceived: 2, WriteErrors: 3}
	}))

	expected := `
# HELP cfdp_transport_errors_total Read and write errors
# TYPE cfdp_transport_errors_total counter
cfdp_transport_errors_total{direction="rx",transport="udp"} 0
cfdp_transport_errors_total{direction="tx",transport="udp"} 3
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "cfdp_transport_errors_total"))
	n, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestServer_Routes(t *testing.T) {
	registry := NewRegistry()
	m := New(registry)
	m.PDUSent("EOF", 20)

	rep := &fakeReporter{
		active: []entity.Status{{
			ID:        pdu.TransactionID{Source: 7, Seq: 3},
			RoleName:  "sender",
			Peer:      2,
			StateName: "DataInFlight",
			Started:   time.Now(),
		}},
		history: []store.Record{{ID: pdu.TransactionID{Source: 7, Seq: 1}, State: "Finished"}},
	}
	srv := NewServer(ServerConfig{}, registry, rep, nil)
	h := srv.Handler()

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `cfdp_pdus_sent_total{type="EOF"} 1`)
		assert.Contains(t, rec.Body.String(), "go_goroutines")
	})

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body Health
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body.Status)
		assert.Equal(t, pdu.EntityID(7), body.Entity)
		assert.Equal(t, 1, body.Transactions)
	})

	t.Run("transactions", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body []map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body, 1)
		assert.Equal(t, "sender", body[0]["role"])
		assert.Equal(t, "DataInFlight", body[0]["state"])
	})

	t.Run("history", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions/history?limit=5", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5, rep.limit)
		var body []store.Record
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body, 1)
		assert.Equal(t, "Finished", body[0].State)
	})

	t.Run("history bad limit", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions/history?limit=x", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("history error", func(t *testing.T) {
		rep.err = errors.New("store closed")
		defer func() { rep.err = nil }()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions/history", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, 100, rep.limit)
	})
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(ServerConfig{Listen: "127.0.0.1:0"}, NewRegistry(), &fakeReporter{}, nil)
	require.NoError(t, srv.Start(t.Context()))
	assert.Error(t, srv.Start(t.Context()))

	resp, err := http.Get("http://" + srv.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())
	assert.Nil(t, srv.Addr())
	assert.NoError(t, srv.Stop())
}
