package coordinator

import (
	"time"

	"github.com/openkumo/kumo-core/internal/kumo"
)

// Device is the coordinator's record for one climate unit. The
// coordinator's device table owns these; they are mutated only inside
// merge operations.
type Device struct {
	Serial   string
	ZoneID   string
	ZoneName string

	// State is the last-known server-reported attribute map. It never
	// contains optimistic overlays; those are applied per snapshot.
	State kumo.DeviceState

	// Profile is the capability set, fetched once at discovery and used
	// to validate commands.
	Profile *kumo.DeviceProfile

	// LastFetch is when State was last refreshed from the cloud.
	LastFetch time.Time

	// ConsecutiveFailures counts fetch failures since the last success.
	ConsecutiveFailures int

	// Available is false once ConsecutiveFailures reaches the configured
	// threshold. A single transient failure never flips this.
	Available bool
}

// Snapshot is the published view of one device: server state overlaid
// with any pending command attributes. Computed on every merge pass,
// never persisted.
type Snapshot struct {
	Serial    string           `json:"serial"`
	ZoneID    string           `json:"zone_id"`
	ZoneName  string           `json:"zone_name"`
	State     kumo.DeviceState `json:"state"`
	Available bool             `json:"available"`
	LastFetch time.Time        `json:"last_fetch"`
}

// SnapshotMap holds the snapshot of every known device, keyed by serial.
type SnapshotMap map[string]Snapshot

// ZoneSummary is the published view of one zone. Kumo zones carry a
// single adapter, so each summary names exactly one device.
type ZoneSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Serial    string `json:"serial"`
	Available bool   `json:"available"`
}

// Stats is a point-in-time view of coordinator health for the metrics
// endpoint.
type Stats struct {
	Devices         int       `json:"devices"`
	Zones           int       `json:"zones"`
	Available       int       `json:"available"`
	PendingCommands int       `json:"pending_commands"`
	CyclesCompleted uint64    `json:"cycles_completed"`
	CyclesFailed    uint64    `json:"cycles_failed"`
	CommandsSent    uint64    `json:"commands_sent"`
	LastPoll        time.Time `json:"last_poll"`
	LastError       string    `json:"last_error,omitempty"`
}
