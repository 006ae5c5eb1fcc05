package coordinator

import (
	"math"
	"sync"
	"time"

	"github.com/openkumo/kumo-core/internal/kumo"
)

// maxCommandAge is how long an unconfirmed command stays in the cache.
// After this the server is trusted unconditionally again.
const maxCommandAge = 5 * time.Minute

// pendingAttr is one optimistically-applied attribute value with the
// time its command was issued.
type pendingAttr struct {
	value    any
	issuedAt time.Time
}

// CommandCache holds not-yet-confirmed device commands keyed by serial.
//
// Attributes are tracked individually: a later command for the same
// device overwrites overlapping attributes but preserves earlier,
// still-pending ones, so an unconfirmed change is never lost when a
// second command arrives before the first is confirmed.
//
// All methods are safe for concurrent use.
type CommandCache struct {
	mu      sync.Mutex
	pending map[string]map[string]pendingAttr

	// settle is the minimum age a server timestamp must have past the
	// command's issue time before it can confirm the command. A poll
	// response generated before the device applied the command would
	// otherwise "confirm" the old value.
	settle time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewCommandCache creates an empty cache with the given settle time.
func NewCommandCache(settle time.Duration) *CommandCache {
	return &CommandCache{
		pending: make(map[string]map[string]pendingAttr),
		settle:  settle,
		now:     time.Now,
	}
}

// Put merges a command's attributes into the device's pending entry.
// Overlapping attributes take the new value and timestamp; earlier
// non-overlapping attributes are preserved untouched.
func (c *CommandCache) Put(serial string, attrs kumo.Commands, issuedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.pending[serial]
	if entry == nil {
		entry = make(map[string]pendingAttr, len(attrs))
		c.pending[serial] = entry
	}
	for name, value := range attrs {
		entry[name] = pendingAttr{value: value, issuedAt: issuedAt}
	}
}

// Overlay returns server state with the device's pending attributes
// applied on top. Pure function: the input map is not mutated and the
// result is a fresh copy.
func (c *CommandCache) Overlay(serial string, server kumo.DeviceState) kumo.DeviceState {
	out := server.Clone()
	if out == nil {
		out = make(kumo.DeviceState)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, p := range c.pending[serial] {
		out[name] = p.value
	}
	return out
}

// Cull removes expired and confirmed pending attributes in one pass.
//
// An attribute is removed when its command is older than maxCommandAge,
// or when latest[serial] reports the commanded value with a server
// timestamp at or after issue time plus the settle window. Devices
// absent from latest (offline) only age out; a missing or malformed
// server timestamp is treated as "not yet confirmed", never an error.
func (c *CommandCache) Cull(latest map[string]kumo.DeviceState) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for serial, entry := range c.pending {
		server, haveServer := latest[serial]

		var serverAt time.Time
		haveStamp := false
		if haveServer {
			serverAt, haveStamp = server.UpdatedAt()
		}

		for name, p := range entry {
			if now.Sub(p.issuedAt) > maxCommandAge {
				delete(entry, name)
				continue
			}
			if !haveServer || !haveStamp {
				continue
			}
			if serverAt.Before(p.issuedAt.Add(c.settle)) {
				continue
			}
			if serverValue, ok := server[name]; ok && attributeEqual(serverValue, p.value) {
				delete(entry, name)
			}
		}

		if len(entry) == 0 {
			delete(c.pending, serial)
		}
	}
}

// Pending returns a copy of the device's pending attributes, or nil.
func (c *CommandCache) Pending(serial string) kumo.Commands {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.pending[serial]
	if len(entry) == 0 {
		return nil
	}
	out := make(kumo.Commands, len(entry))
	for name, p := range entry {
		out[name] = p.value
	}
	return out
}

// Remove drops every pending attribute for one device.
func (c *CommandCache) Remove(serial string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, serial)
}

// Len returns the number of pending attributes across all devices.
func (c *CommandCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, entry := range c.pending {
		total += len(entry)
	}
	return total
}

// Clear drops every pending command immediately.
func (c *CommandCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]map[string]pendingAttr)
}

// attributeEqual compares a server-reported value with a commanded one.
// JSON decoding turns all numbers into float64, while callers may issue
// ints, so numeric values compare by magnitude with a small tolerance.
func attributeEqual(server, commanded any) bool {
	sf, sok := toFloat(server)
	cf, cok := toFloat(commanded)
	if sok && cok {
		return math.Abs(sf-cf) < 0.01
	}
	return server == commanded
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
