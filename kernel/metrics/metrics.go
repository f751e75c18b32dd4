// Package metrics exports supervisor statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmxmxh/dspaf/kernel/threads/supervisor"
)

// Source is anything that can report supervisor statistics.
type Source interface {
	Stats() supervisor.Stats
}

type desc struct {
	d     *prometheus.Desc
	kind  prometheus.ValueType
	value func(s *supervisor.Stats) float64
}

// Collector samples a Source on every scrape.
type Collector struct {
	src   Source
	descs []desc
}

func NewCollector(namespace, node string, src Source) *Collector {
	labels := prometheus.Labels{"node": node}
	counter := func(name, help string, v func(s *supervisor.Stats) float64) desc {
		return desc{prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels), prometheus.CounterValue, v}
	}
	gauge := func(name, help string, v func(s *supervisor.Stats) float64) desc {
		return desc{prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels), prometheus.GaugeValue, v}
	}
	b2f := func(b bool) float64 {
		if b {
			return 1
		}
		return 0
	}

	return &Collector{src: src, descs: []desc{
		counter("messages_dispatched_total", "Messages delivered to components.",
			func(s *supervisor.Stats) float64 { return float64(s.Dispatched) }),
		counter("admin_requests_total", "Requests handled by the proxy address.",
			func(s *supervisor.Stats) float64 { return float64(s.Admin) }),
		counter("messages_forwarded_total", "Messages published to the peer core.",
			func(s *supervisor.Stats) float64 { return float64(s.Forwarded) }),
		counter("messages_deferred_total", "Messages held back by a full or suspended ring.",
			func(s *supervisor.Stats) float64 { return float64(s.Deferred) }),
		counter("messages_failed_total", "Requests answered with an error status by the dispatcher.",
			func(s *supervisor.Stats) float64 { return float64(s.Failed) }),
		counter("records_received_total", "Records taken from the transport.",
			func(s *supervisor.Stats) float64 { return float64(s.Received) }),
		counter("interrupts_total", "Records delivered through the interrupt path.",
			func(s *supervisor.Stats) float64 { return float64(s.Interrupts) }),
		counter("scheduler_steps_total", "Component steps run by the scheduler.",
			func(s *supervisor.Stats) float64 { return float64(s.Steps) }),
		counter("passes_total", "Main loop passes.",
			func(s *supervisor.Stats) float64 { return float64(s.Passes) }),
		gauge("components", "Registered components.",
			func(s *supervisor.Stats) float64 { return float64(s.Components) }),
		gauge("deferred_pending", "Messages waiting in the deferred queue.",
			func(s *supervisor.Stats) float64 { return float64(s.Pending) }),
		gauge("messages_in_use", "Core pool messages in flight.",
			func(s *supervisor.Stats) float64 { return float64(s.MessagesInUse) }),
		gauge("tasks_scheduled", "Tasks waiting in the scheduler.",
			func(s *supervisor.Stats) float64 { return float64(s.Scheduled) }),
		gauge("suspended", "1 while the core is suspended.",
			func(s *supervisor.Stats) float64 { return b2f(s.Suspended) }),
		gauge("arena_size_bytes", "Scratch arena size.",
			func(s *supervisor.Stats) float64 { return float64(s.Arena.PoolSize) }),
		gauge("arena_free_bytes", "Free bytes in the scratch arena.",
			func(s *supervisor.Stats) float64 { return float64(s.Arena.Free) }),
		gauge("arena_largest_free_bytes", "Largest free block in the scratch arena.",
			func(s *supervisor.Stats) float64 { return float64(s.Arena.LargestFree) }),
		gauge("arena_live_blocks", "Live scratch allocations.",
			func(s *supervisor.Stats) float64 { return float64(s.Arena.Live) }),
		counter("arena_failures_total", "Scratch allocations refused.",
			func(s *supervisor.Stats) float64 { return float64(s.Arena.Failures) }),
		gauge("rx_ring_depth", "Records waiting in the command ring.",
			func(s *supervisor.Stats) float64 { return float64(s.Rx.Depth) }),
		gauge("tx_ring_depth", "Records waiting in the response ring.",
			func(s *supervisor.Stats) float64 { return float64(s.Tx.Depth) }),
		counter("tx_ring_full_total", "Publishes refused because the response ring was full.",
			func(s *supervisor.Stats) float64 { return float64(s.Tx.Full) }),
	}}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()
	for _, d := range c.descs {
		ch <- prometheus.MustNewConstMetric(d.d, d.kind, d.value(&s))
	}
}

// Handler registers c in a fresh registry and serves it with the Go runtime collectors.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	if err := reg.Register(prometheus.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
