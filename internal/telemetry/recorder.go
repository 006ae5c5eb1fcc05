// Package telemetry records coordinator snapshots to the time-series
// store. Each snapshot publication turns into one point per numeric
// climate attribute, tagged by serial and zone, plus availability
// transition points. Recording is best-effort; the poll loop never
// blocks on storage.
package telemetry

import (
	"context"
	"sync"

	"github.com/openkumo/kumo-core/internal/coordinator"
	"github.com/openkumo/kumo-core/internal/infrastructure/logging"
)

// snapshotBuffer is the coordinator subscription buffer. The recorder
// tolerates missed intermediate snapshots.
const snapshotBuffer = 4

// numericFields maps snapshot attributes to measurement field names.
var numericFields = map[string]string{
	"roomTemp": "room_temp",
	"spCool":   "sp_cool",
	"spHeat":   "sp_heat",
	"humidity": "humidity",
	"fanSpeed": "fan_speed",
}

// MetricsWriter is the slice of the InfluxDB client the recorder needs.
type MetricsWriter interface {
	WriteZoneMetric(serial, zone, field string, value float64)
	WriteAvailability(serial, zone string, available bool)
}

// SnapshotSource delivers snapshot publications. *coordinator.Coordinator
// satisfies it.
type SnapshotSource interface {
	Subscribe(buffer int) (<-chan coordinator.SnapshotMap, func())
}

// Recorder subscribes to snapshot publications and writes climate
// telemetry points.
type Recorder struct {
	writer MetricsWriter
	source SnapshotSource
	logger *logging.Logger

	availMu   sync.Mutex
	lastAvail map[string]bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// New creates a Recorder. Start must be called before it does anything.
func New(writer MetricsWriter, source SnapshotSource, logger *logging.Logger) *Recorder {
	return &Recorder{
		writer:    writer,
		source:    source,
		logger:    logger.With("component", "telemetry"),
		lastAvail: make(map[string]bool),
	}
}

// Start begins recording in the background until Stop or context
// cancellation.
func (r *Recorder) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	snapshots, unsubscribe := r.source.Subscribe(snapshotBuffer)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubscribe()

		for {
			select {
			case <-runCtx.Done():
				return
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				r.record(snap)
			}
		}
	}()

	r.logger.Info("started")
}

// Stop halts recording. It is safe to call more than once.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		r.logger.Info("stopped")
	})
}

// record writes one snapshot publication's worth of points.
func (r *Recorder) record(snapshots coordinator.SnapshotMap) {
	for serial, snap := range snapshots {
		for attr, field := range numericFields {
			if value, ok := toFloat(snap.State[attr]); ok {
				r.writer.WriteZoneMetric(serial, snap.ZoneName, field, value)
			}
		}

		if r.availabilityChanged(serial, snap.Available) {
			r.writer.WriteAvailability(serial, snap.ZoneName, snap.Available)
		}
	}
}

// availabilityChanged records the new availability and reports whether
// it differs from the last recorded value.
func (r *Recorder) availabilityChanged(serial string, available bool) bool {
	r.availMu.Lock()
	defer r.availMu.Unlock()

	last, seen := r.lastAvail[serial]
	r.lastAvail[serial] = available
	return !seen || last != available
}

// toFloat normalises the numeric types JSON decoding produces.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
