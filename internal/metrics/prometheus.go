package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jobrelay"

var (
	descRequests = prometheus.NewDesc(namespace+"_requests_total",
		"Requests handled by this hop, by route.", []string{"route"}, nil)
	descAnswers = prometheus.NewDesc(namespace+"_answers_total",
		"Answers delivered to the local answer queue, by outcome.", []string{"outcome"}, nil)
	descChildrenActive = prometheus.NewDesc(namespace+"_children_active",
		"Currently connected child repeaters.", nil, nil)
	descChildrenTotal = prometheus.NewDesc(namespace+"_children_connected_total",
		"Child connections established.", nil, nil)
	descReconnects = prometheus.NewDesc(namespace+"_reconnects_total",
		"Explicit reconnections of failed children.", nil, nil)
	descBytes = prometheus.NewDesc(namespace+"_transport_bytes_total",
		"Frame bytes moved over transports, by direction.", []string{"direction"}, nil)
	descErrors = prometheus.NewDesc(namespace+"_errors_total",
		"Errors recorded by this hop.", nil, nil)
)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descRequests
	ch <- descAnswers
	ch <- descChildrenActive
	ch <- descChildrenTotal
	ch <- descReconnects
	ch <- descBytes
	ch <- descErrors
}

// Collect implements prometheus.Collector by exporting a snapshot.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.Snapshot()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(descRequests, s.RequestsSent, "sent")
	counter(descRequests, s.RequestsForwarded, "forwarded")
	counter(descRequests, s.RequestsServed, "served")
	counter(descAnswers, s.AnswersReceived-s.AnswersFailed, "ok")
	counter(descAnswers, s.AnswersFailed, "failed")
	ch <- prometheus.MustNewConstMetric(descChildrenActive, prometheus.GaugeValue, float64(s.ChildrenActive))
	counter(descChildrenTotal, s.ChildrenTotal)
	counter(descReconnects, s.Reconnects)
	counter(descBytes, s.BytesIn, "in")
	counter(descBytes, s.BytesOut, "out")
	counter(descErrors, s.ErrorsTotal)
}

// Registry returns a fresh prometheus registry with c registered.
func (c *Collector) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}
