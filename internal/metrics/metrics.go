// Package metrics exposes the sender's cumulative statistics counters
// (§6) as Prometheus counters, following the custom prometheus.Collector
// pattern the sockstats TCPInfoCollector uses rather than promauto's
// package-global registration.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters holds the monotonic statistics counters of §6. Every field is
// safe for concurrent increment via its Add* method.
type Counters struct {
	bytesSent             atomic.Uint64
	dataBytesSent         atomic.Uint64
	dataMessagesSent      atomic.Uint64
	selectiveNaksReceived atomic.Uint64
	parityNaksReceived    atomic.Uint64
	malformedNaks         atomic.Uint64
	bytesRetransmitted    atomic.Uint64
	messagesRetransmitted atomic.Uint64
	nnakErrors            atomic.Uint64
	spmrReceived          atomic.Uint64
	packetsDiscarded      atomic.Uint64
}

func (c *Counters) AddBytesSent(n uint64)             { c.bytesSent.Add(n) }
func (c *Counters) AddDataBytesSent(n uint64)         { c.dataBytesSent.Add(n) }
func (c *Counters) IncDataMessagesSent()              { c.dataMessagesSent.Add(1) }
func (c *Counters) IncSelectiveNaksReceived()         { c.selectiveNaksReceived.Add(1) }
func (c *Counters) IncParityNaksReceived()            { c.parityNaksReceived.Add(1) }
func (c *Counters) IncMalformedNaks()                 { c.malformedNaks.Add(1) }
func (c *Counters) AddBytesRetransmitted(n uint64)    { c.bytesRetransmitted.Add(n) }
func (c *Counters) IncMessagesRetransmitted()         { c.messagesRetransmitted.Add(1) }
func (c *Counters) IncNnakErrors()                    { c.nnakErrors.Add(1) }
func (c *Counters) IncSpmrReceived()                  { c.spmrReceived.Add(1) }
func (c *Counters) IncPacketsDiscarded()              { c.packetsDiscarded.Add(1) }

// Snapshot is a point-in-time copy of every counter, for the Stats()
// call on the public Transport API.
type Snapshot struct {
	BytesSent             uint64
	DataBytesSent         uint64
	DataMessagesSent      uint64
	SelectiveNaksReceived uint64
	ParityNaksReceived    uint64
	MalformedNaks         uint64
	BytesRetransmitted    uint64
	MessagesRetransmitted uint64
	NnakErrors            uint64
	SpmrReceived          uint64
	PacketsDiscarded      uint64
}

// Snapshot reads every counter's current value.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesSent:             c.bytesSent.Load(),
		DataBytesSent:         c.dataBytesSent.Load(),
		DataMessagesSent:      c.dataMessagesSent.Load(),
		SelectiveNaksReceived: c.selectiveNaksReceived.Load(),
		ParityNaksReceived:    c.parityNaksReceived.Load(),
		MalformedNaks:         c.malformedNaks.Load(),
		BytesRetransmitted:    c.bytesRetransmitted.Load(),
		MessagesRetransmitted: c.messagesRetransmitted.Load(),
		NnakErrors:            c.nnakErrors.Load(),
		SpmrReceived:          c.spmrReceived.Load(),
		PacketsDiscarded:      c.packetsDiscarded.Load(),
	}
}

// Collector adapts Counters onto the prometheus.Collector interface so
// cmd/pgmsend can register it directly with a registry, exposing every
// field as a counter under the "pgmsend_" prefix.
type Collector struct {
	counters    *Counters
	constLabels prometheus.Labels
	descs       map[string]*prometheus.Desc
}

// NewCollector builds a Collector over counters, attaching constLabels
// (e.g. TSI) to every exposed metric.
func NewCollector(counters *Counters, constLabels prometheus.Labels) *Collector {
	c := &Collector{counters: counters, constLabels: constLabels, descs: make(map[string]*prometheus.Desc)}
	for name, help := range map[string]string{
		"bytes_sent_total":             "Total bytes sent on the wire (ODATA + SPM + NCF); repairs are counted separately.",
		"data_bytes_sent_total":        "Total TSDU bytes sent in original data.",
		"data_messages_sent_total":     "Total ODATA messages sent.",
		"selective_naks_received_total": "Total selective NAKs received.",
		"parity_naks_received_total":   "Total parity NAKs received.",
		"malformed_naks_total":         "Total NAKs rejected as malformed.",
		"bytes_retransmitted_total":    "Total bytes retransmitted as RDATA or parity packets.",
		"messages_retransmitted_total": "Total RDATA and parity messages sent.",
		"nnak_errors_total":            "Total well-formed NNAKs received (malformed ones count as malformed NAKs).",
		"spmr_received_total":          "Total SPM-Requests received.",
		"packets_discarded_total":      "Total packets discarded (malformed or unprocessable).",
	} {
		c.descs[name] = prometheus.NewDesc("pgmsend_"+name, help, nil, constLabels)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.counters.Snapshot()
	emit := func(name string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v))
	}
	emit("bytes_sent_total", s.BytesSent)
	emit("data_bytes_sent_total", s.DataBytesSent)
	emit("data_messages_sent_total", s.DataMessagesSent)
	emit("selective_naks_received_total", s.SelectiveNaksReceived)
	emit("parity_naks_received_total", s.ParityNaksReceived)
	emit("malformed_naks_total", s.MalformedNaks)
	emit("bytes_retransmitted_total", s.BytesRetransmitted)
	emit("messages_retransmitted_total", s.MessagesRetransmitted)
	emit("nnak_errors_total", s.NnakErrors)
	emit("spmr_received_total", s.SpmrReceived)
	emit("packets_discarded_total", s.PacketsDiscarded)
}
