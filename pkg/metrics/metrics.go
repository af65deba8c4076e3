// Package metrics implements the daemon's internal metrics snapshot:
// there is no HTTP-exposed /metrics endpoint, only a periodic logged
// line summarizing connection, throughput and queue-depth counters plus
// the tail of recent warnings. Counters are still modeled with
// prometheus's client_model types and rendered through its text
// exposition format, so the numbers a future HTTP exporter would need
// are already shaped correctly.
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"github.com/hgouveia/akwbs/pkg/logging"
	"github.com/hgouveia/akwbs/pkg/tailbuffer"
)

// Source reports the live counters the snapshot reads each tick. The
// event loop satisfies this without metrics needing to know its internals.
type Source interface {
	ConnectionCount() int
	CacheEntries() int
	QueueDepth() int
}

// Recorder accumulates counters the event loop touches directly (bytes transferred, throttle events) and periodically logs a
// snapshot built from them alongside Source's point-in-time gauges.
type Recorder struct {
	log    logging.Logger
	source Source
	warn   *tailbuffer.Buffer

	bytesSent     int64
	bytesReceived int64
	throttled     int64
	ioErrors      int64
}

// NewRecorder returns a Recorder that reads live gauges from source and
// keeps the last warnTailBytes bytes of warning-level log lines for the
// snapshot.
func NewRecorder(log logging.Logger, source Source, warnTailBytes uint) *Recorder {
	return &Recorder{
		log:    log,
		source: source,
		warn:   tailbuffer.New(warnTailBytes),
	}
}

// AddBytesSent and the other Add*/Inc* methods are called from the hot
// path (the event loop's read, write and result handlers) and must stay
// allocation-free.
func (r *Recorder) AddBytesSent(n int)     { atomic.AddInt64(&r.bytesSent, int64(n)) }
func (r *Recorder) AddBytesReceived(n int) { atomic.AddInt64(&r.bytesReceived, int64(n)) }
func (r *Recorder) IncThrottled()          { atomic.AddInt64(&r.throttled, 1) }
func (r *Recorder) IncIOErrors()           { atomic.AddInt64(&r.ioErrors, 1) }

// Warnf records a formatted warning line in the tail buffer in addition
// to logging it normally, so the next snapshot can surface it.
func (r *Recorder) Warnf(format string, args ...interface{}) {
	r.log.Warnf(format, args...)
	r.warn.Write([]byte(fmt.Sprintf(format, args...) + "\n"))
}

// Run logs a snapshot every interval until ctxDone is closed. An
// interval of zero disables snapshots entirely.
func (r *Recorder) Run(ctxDone <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctxDone:
			return
		case <-ticker.C:
			r.logSnapshot()
		}
	}
}

func (r *Recorder) logSnapshot() {
	families := r.families()

	var sb strings.Builder
	for _, fam := range families {
		if _, err := expfmt.MetricFamilyToText(&sb, fam); err != nil {
			r.log.WithError(err).Warn("metrics: render snapshot failed")
			return
		}
	}

	entry := r.log.WithFields(logrus.Fields{
		"recent_warnings": r.warn.Snapshot(),
		"sent_human":      units.HumanSize(float64(atomic.LoadInt64(&r.bytesSent))),
		"received_human":  units.HumanSize(float64(atomic.LoadInt64(&r.bytesReceived))),
	})
	entry.Info(strings.TrimSpace(sb.String()))
}

func (r *Recorder) families() []*dto.MetricFamily {
	gauge := func(name, help string, value float64) *dto.MetricFamily {
		return &dto.MetricFamily{
			Name: proto.String(name),
			Help: proto.String(help),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{
				Gauge: &dto.Gauge{Value: proto.Float64(value)},
			}},
		}
	}
	counter := func(name, help string, value float64) *dto.MetricFamily {
		return &dto.MetricFamily{
			Name: proto.String(name),
			Help: proto.String(help),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{{
				Counter: &dto.Counter{Value: proto.Float64(value)},
			}},
		}
	}

	return []*dto.MetricFamily{
		gauge("akwbs_connections_active", "Currently open client connections.", float64(r.source.ConnectionCount())),
		gauge("akwbs_cache_entries", "Open file descriptors held by the file cache.", float64(r.source.CacheEntries())),
		gauge("akwbs_request_queue_depth", "Requests waiting in the worker request queue.", float64(r.source.QueueDepth())),
		counter("akwbs_bytes_sent_total", "Total bytes sent to clients.", float64(atomic.LoadInt64(&r.bytesSent))),
		counter("akwbs_bytes_received_total", "Total bytes received from clients.", float64(atomic.LoadInt64(&r.bytesReceived))),
		counter("akwbs_send_rate_throttled_total", "Times a send was clamped by the rate limiter.", float64(atomic.LoadInt64(&r.throttled))),
		counter("akwbs_io_errors_total", "Worker I/O operations that returned an error.", float64(atomic.LoadInt64(&r.ioErrors))),
	}
}
