package node

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

type serverMetrics struct {
	set      *metrics.Set
	accepted *metrics.Counter
	closed   *metrics.Counter
	readB    *metrics.Counter
	writtenB *metrics.Counter
}

func newServerMetrics(active func() float64, queued func() float64) *serverMetrics {
	set := metrics.NewSet()
	m := &serverMetrics{
		set:      set,
		accepted: set.NewCounter("reactor_connections_accepted_total"),
		closed:   set.NewCounter("reactor_connections_closed_total"),
		readB:    set.NewCounter("reactor_read_bytes_total"),
		writtenB: set.NewCounter("reactor_written_bytes_total"),
	}
	set.NewGauge("reactor_connections_active", active)
	set.NewGauge("reactor_pool_queue_length", queued)
	return m
}

func (m *serverMetrics) error(kind Kind) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`reactor_errors_total{kind=%q}`, kind.String())).Inc()
}
