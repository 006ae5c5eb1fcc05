package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openkumo/kumo-core/internal/infrastructure/logging"
	"github.com/openkumo/kumo-core/internal/kumo"
)

// CloudClient is the slice of the Kumo Cloud API the coordinator needs.
// *kumo.Client satisfies it; tests use a fake.
type CloudClient interface {
	Sites(ctx context.Context) ([]kumo.Site, error)
	SiteZones(ctx context.Context, siteID string) ([]kumo.Zone, error)
	DeviceDetails(ctx context.Context, serial string) (kumo.DeviceState, error)
	DeviceProfile(ctx context.Context, serial string) (*kumo.DeviceProfile, error)
	SendCommand(ctx context.Context, serial string, commands kumo.Commands) error
}

// Options tunes the polling cycle. Values come from the polling section
// of config.yaml.
type Options struct {
	// SiteID pins polling to one site; empty triggers auto-discovery.
	SiteID string

	// ScanInterval is the gap between full poll cycles.
	ScanInterval time.Duration

	// SettleTime is the wait after a command before a fresh poll result
	// may override the optimistic cache, and before the targeted
	// post-command refresh fires.
	SettleTime time.Duration

	// FailureThreshold is the consecutive-failure count at which a
	// device is marked unavailable.
	FailureThreshold int

	// RetryAttempts bounds per-device fetch retries within one cycle.
	RetryAttempts int

	// RetryBaseDelay doubles per attempt up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Coordinator owns the device table and runs the poll/merge/publish
// cycle. All mutation of the device table happens on the Run goroutine
// or under the table lock; readers take consistent snapshots.
type Coordinator struct {
	client CloudClient
	cache  *CommandCache
	cmdLog *CommandLog
	opts   Options
	logger *logging.Logger

	mu      sync.RWMutex
	siteID  string
	devices map[string]*Device
	runCtx  context.Context

	// refreshCh coalesces out-of-cycle refresh requests. Capacity 1: a
	// request arriving while one is already queued is satisfied by the
	// queued cycle.
	refreshCh chan struct{}

	subsMu    sync.Mutex
	subs      map[int]chan SnapshotMap
	nextSubID int

	statsMu         sync.Mutex
	cyclesCompleted uint64
	cyclesFailed    uint64
	commandsSent    uint64
	lastPoll        time.Time
	lastErr         error

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Coordinator. cmdLog may be nil to disable the audit
// trail (tests).
func New(client CloudClient, cache *CommandCache, cmdLog *CommandLog, opts Options, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		client:    client,
		cache:     cache,
		cmdLog:    cmdLog,
		opts:      opts,
		logger:    logger.With("component", "coordinator"),
		devices:   make(map[string]*Device),
		refreshCh: make(chan struct{}, 1),
		subs:      make(map[int]chan SnapshotMap),
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled. The first cycle runs immediately;
// subsequent cycles fire on the scan interval or on ForceRefresh. Only
// this goroutine starts cycles, so at most one is ever in flight.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("starting",
		"scan_interval", c.opts.ScanInterval,
		"failure_threshold", c.opts.FailureThreshold,
	)

	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	if err := c.pollCycle(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("initial poll failed", "error", err)
	}

	ticker := time.NewTicker(c.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping")
			return ctx.Err()
		case <-ticker.C:
		case <-c.refreshCh:
		}

		if err := c.pollCycle(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("poll cycle failed", "error", err)
		}
	}
}

// ForceRefresh requests an immediate out-of-cycle poll. Requests
// arriving while a cycle is queued or running coalesce into one.
func (c *Coordinator) ForceRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// pollCycle runs one Fetching -> Merging -> Published pass.
func (c *Coordinator) pollCycle(ctx context.Context) error {
	start := c.now()

	siteID, err := c.ensureSite(ctx)
	if err != nil {
		c.recordCycle(err)
		return err
	}

	zones, err := c.client.SiteZones(ctx, siteID)
	if err != nil {
		// Zone listing failed wholesale: keep every stale snapshot and
		// count the failure against each known device.
		c.recordCycle(err)
		c.markAllFailed()
		c.publish(c.Snapshots())
		return fmt.Errorf("listing zones: %w", err)
	}

	results := c.fetchAll(ctx, zones)

	// An abandoned cycle must not merge partial data.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.pruneVanished(zones)
	snapshots := c.merge(zones, results)
	c.recordCycle(nil)
	c.publish(snapshots)

	c.logger.Debug("cycle complete",
		"devices", len(snapshots),
		"duration", c.now().Sub(start),
	)
	return nil
}

// ensureSite resolves the site to poll, discovering it on first use.
func (c *Coordinator) ensureSite(ctx context.Context) (string, error) {
	c.mu.RLock()
	siteID := c.siteID
	c.mu.RUnlock()
	if siteID != "" {
		return siteID, nil
	}

	if c.opts.SiteID != "" {
		c.mu.Lock()
		c.siteID = c.opts.SiteID
		c.mu.Unlock()
		return c.opts.SiteID, nil
	}

	sites, err := c.client.Sites(ctx)
	if err != nil {
		return "", fmt.Errorf("discovering sites: %w", err)
	}
	switch len(sites) {
	case 0:
		return "", ErrNoSite
	case 1:
	default:
		return "", ErrAmbiguousSite
	}

	c.mu.Lock()
	c.siteID = sites[0].ID
	c.mu.Unlock()

	c.logger.Info("discovered site", "site_id", sites[0].ID, "name", sites[0].Name)
	return sites[0].ID, nil
}

// fetchResult is one device's outcome within a cycle.
type fetchResult struct {
	state   kumo.DeviceState
	profile *kumo.DeviceProfile
	err     error
}

// fetchAll fetches every zone's device concurrently. Dispatch is
// unbounded; the shared rate limiter inside the client throttles actual
// request issuance. All fetches complete before any merge happens.
func (c *Coordinator) fetchAll(ctx context.Context, zones []kumo.Zone) map[string]fetchResult {
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]fetchResult, len(zones))

	for _, zone := range zones {
		serial := zone.DeviceSerial()
		if serial == "" {
			continue
		}

		wg.Add(1)
		go func(serial string) {
			defer wg.Done()
			res := c.fetchDevice(ctx, serial)
			mu.Lock()
			results[serial] = res
			mu.Unlock()
		}(serial)
	}

	wg.Wait()
	return results
}

// fetchDevice fetches one device's state with bounded exponential
// backoff, plus its profile the first time the device is seen.
func (c *Coordinator) fetchDevice(ctx context.Context, serial string) fetchResult {
	state, err := c.fetchWithRetry(ctx, serial)
	if err != nil {
		return fetchResult{err: err}
	}

	res := fetchResult{state: state}

	c.mu.RLock()
	known := c.devices[serial]
	haveProfile := known != nil && known.Profile != nil
	c.mu.RUnlock()

	if !haveProfile {
		profile, perr := c.client.DeviceProfile(ctx, serial)
		if perr != nil {
			// Profile is only needed for command validation; a failed
			// fetch degrades validation, not polling.
			c.logger.Warn("profile fetch failed", "serial", serial, "error", perr)
		} else {
			res.profile = profile
		}
	}

	return res
}

// fetchWithRetry retries transient failures with doubling delay, capped
// in both delay and attempt count. Auth failures are terminal here: the
// client has already spent its single refresh-and-retry.
func (c *Coordinator) fetchWithRetry(ctx context.Context, serial string) (kumo.DeviceState, error) {
	delay := c.opts.RetryBaseDelay

	for attempt := 1; ; attempt++ {
		state, err := c.client.DeviceDetails(ctx, serial)
		if err == nil {
			return state, nil
		}
		if errors.Is(err, kumo.ErrAuth) || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= c.opts.RetryAttempts {
			return nil, err
		}

		// Upstream 429 despite our limiter means the account is being
		// throttled hard; jump straight to the longest delay.
		if errors.Is(err, kumo.ErrRateLimited) {
			delay = c.opts.RetryMaxDelay
		}

		c.logger.Debug("fetch retry",
			"serial", serial,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > c.opts.RetryMaxDelay {
			delay = c.opts.RetryMaxDelay
		}
	}
}

// merge folds fetch results into the device table, culls the command
// cache against fresh server state, and builds the snapshot map.
// Per-device merges are independent, so merging N zones concurrently or
// sequentially in any order yields the same result.
func (c *Coordinator) merge(zones []kumo.Zone, results map[string]fetchResult) SnapshotMap {
	now := c.now()

	c.mu.Lock()

	for _, zone := range zones {
		serial := zone.DeviceSerial()
		if serial == "" {
			continue
		}

		dev := c.devices[serial]
		if dev == nil {
			dev = &Device{Serial: serial, Available: true}
			c.devices[serial] = dev
		}
		dev.ZoneID = zone.ID
		dev.ZoneName = zone.Name

		res, ok := results[serial]
		if !ok {
			continue
		}
		if res.profile != nil {
			dev.Profile = res.profile
		}

		if res.err != nil {
			dev.ConsecutiveFailures++
			if dev.ConsecutiveFailures >= c.opts.FailureThreshold {
				if dev.Available {
					c.logger.Warn("device unavailable",
						"serial", serial,
						"failures", dev.ConsecutiveFailures,
					)
				}
				dev.Available = false
			}
			continue
		}

		dev.State = res.state
		dev.LastFetch = now
		dev.ConsecutiveFailures = 0
		c.setAvailableLocked(dev, res.state.Connected())
	}

	latest := make(map[string]kumo.DeviceState, len(c.devices))
	for serial, dev := range c.devices {
		if dev.State != nil {
			latest[serial] = dev.State
		}
	}

	c.mu.Unlock()

	c.cache.Cull(latest)
	return c.Snapshots()
}

// setAvailableLocked resolves availability after a successful fetch.
// The cloud marks a unit it cannot reach as disconnected while still
// serving its last known state, so a clean fetch alone is not enough.
// Caller holds mu.
func (c *Coordinator) setAvailableLocked(dev *Device, connected bool) {
	switch {
	case connected && !dev.Available:
		c.logger.Info("device recovered", "serial", dev.Serial)
	case !connected && dev.Available:
		c.logger.Warn("device disconnected", "serial", dev.Serial)
	}
	dev.Available = connected
}

// pruneVanished drops devices the zone listing no longer reports,
// along with their pending commands. Runs only after a successful
// listing; a failed listing says nothing about membership.
func (c *Coordinator) pruneVanished(zones []kumo.Zone) {
	seen := make(map[string]bool, len(zones))
	for _, zone := range zones {
		if serial := zone.DeviceSerial(); serial != "" {
			seen[serial] = true
		}
	}

	var dropped []string
	c.mu.Lock()
	for serial := range c.devices {
		if !seen[serial] {
			delete(c.devices, serial)
			dropped = append(dropped, serial)
		}
	}
	c.mu.Unlock()

	for _, serial := range dropped {
		c.cache.Remove(serial)
		c.logger.Info("device removed from site", "serial", serial)
	}
}

// markAllFailed counts a wholesale cycle failure against every device.
func (c *Coordinator) markAllFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dev := range c.devices {
		dev.ConsecutiveFailures++
		if dev.ConsecutiveFailures >= c.opts.FailureThreshold {
			dev.Available = false
		}
	}
}

// SendCommand validates and issues a command, then applies it
// optimistically. On delivery failure nothing is cached; there is no
// optimistic state for a command the server never saw.
func (c *Coordinator) SendCommand(ctx context.Context, serial string, attrs kumo.Commands) error {
	c.mu.RLock()
	dev, known := c.devices[serial]
	var profile *kumo.DeviceProfile
	if known {
		profile = dev.Profile
	}
	c.mu.RUnlock()

	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}
	if err := validateCommands(attrs, profile); err != nil {
		return err
	}

	issuedAt := c.now()
	err := c.client.SendCommand(ctx, serial, attrs)

	if c.cmdLog != nil {
		status, errMsg := "accepted", ""
		if err != nil {
			status, errMsg = "failed", err.Error()
		}
		if logErr := c.cmdLog.Record(ctx, serial, attrs, status, errMsg, issuedAt); logErr != nil {
			c.logger.Error("command audit write failed", "error", logErr)
		}
	}

	if err != nil {
		return fmt.Errorf("sending command to %s: %w", serial, err)
	}

	c.cache.Put(serial, attrs, issuedAt)
	c.statsMu.Lock()
	c.commandsSent++
	c.statsMu.Unlock()

	c.logger.Info("command accepted", "serial", serial, "attributes", len(attrs))

	// Publish the optimistic view immediately, then refresh the one
	// device after the settle window so confirmation lands fast. The
	// refresh outlives the caller's (usually request-scoped) context
	// and is cancelled with the coordinator instead.
	c.publish(c.Snapshots())
	go c.refreshDevice(c.refreshContext(ctx), serial)

	return nil
}

// refreshContext picks the Run context for background refreshes,
// falling back to the caller's when the coordinator is not running.
func (c *Coordinator) refreshContext(fallback context.Context) context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return fallback
}

// refreshDevice waits out the settle window, fetches one device and
// merges just that device's state.
func (c *Coordinator) refreshDevice(ctx context.Context, serial string) {
	if err := sleepCtx(ctx, c.opts.SettleTime); err != nil {
		return
	}

	state, err := c.fetchWithRetry(ctx, serial)
	if err != nil {
		c.logger.Warn("post-command refresh failed", "serial", serial, "error", err)
		return
	}
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	dev := c.devices[serial]
	if dev != nil {
		dev.State = state
		dev.LastFetch = c.now()
		dev.ConsecutiveFailures = 0
		c.setAvailableLocked(dev, state.Connected())
	}
	c.mu.Unlock()

	c.cache.Cull(map[string]kumo.DeviceState{serial: state})
	c.publish(c.Snapshots())
}

// Snapshot returns the current view of one device.
func (c *Coordinator) Snapshot(serial string) (Snapshot, bool) {
	c.mu.RLock()
	dev, ok := c.devices[serial]
	if !ok {
		c.mu.RUnlock()
		return Snapshot{}, false
	}
	snap := c.snapshotLocked(dev)
	c.mu.RUnlock()
	return snap, true
}

// Profile returns the cached capability profile for a device, or false
// when the device is unknown or its profile has not been fetched yet.
func (c *Coordinator) Profile(serial string) (*kumo.DeviceProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dev, ok := c.devices[serial]
	if !ok || dev.Profile == nil {
		return nil, false
	}
	profile := *dev.Profile
	return &profile, true
}

// Snapshots returns the current view of every known device.
func (c *Coordinator) Snapshots() SnapshotMap {
	c.mu.RLock()
	out := make(SnapshotMap, len(c.devices))
	for serial, dev := range c.devices {
		out[serial] = c.snapshotLocked(dev)
	}
	c.mu.RUnlock()
	return out
}

// Zones returns a summary of every known zone, sorted by name.
func (c *Coordinator) Zones() []ZoneSummary {
	c.mu.RLock()
	out := make([]ZoneSummary, 0, len(c.devices))
	for _, dev := range c.devices {
		out = append(out, ZoneSummary{
			ID:        dev.ZoneID,
			Name:      dev.ZoneName,
			Serial:    dev.Serial,
			Available: dev.Available,
		})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// snapshotLocked builds one device's snapshot. Caller holds mu.
func (c *Coordinator) snapshotLocked(dev *Device) Snapshot {
	return Snapshot{
		Serial:    dev.Serial,
		ZoneID:    dev.ZoneID,
		ZoneName:  dev.ZoneName,
		State:     c.cache.Overlay(dev.Serial, dev.State),
		Available: dev.Available,
		LastFetch: dev.LastFetch,
	}
}

// Subscribe registers a listener for snapshot publications. The
// returned cancel function must be called to release the subscription.
// Slow subscribers miss updates rather than blocking the publisher.
func (c *Coordinator) Subscribe(buffer int) (<-chan SnapshotMap, func()) {
	ch := make(chan SnapshotMap, buffer)

	c.subsMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
		c.subsMu.Unlock()
	}
	return ch, cancel
}

// publish delivers a snapshot map to every subscriber without blocking.
func (c *Coordinator) publish(snapshots SnapshotMap) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- snapshots:
		default:
		}
	}
}

// ClearCache drops all pending commands immediately and republishes so
// consumers see raw server state.
func (c *Coordinator) ClearCache() {
	c.cache.Clear()
	c.logger.Info("command cache cleared")
	c.publish(c.Snapshots())
}

// CommandHistory returns the recent audit entries for one device.
func (c *Coordinator) CommandHistory(ctx context.Context, serial string, limit int) ([]CommandRecord, error) {
	if c.cmdLog == nil {
		return nil, nil
	}
	return c.cmdLog.Recent(ctx, serial, limit)
}

// recordCycle updates cycle counters.
func (c *Coordinator) recordCycle(err error) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.lastPoll = c.now()
	c.lastErr = err
	if err != nil {
		c.cyclesFailed++
	} else {
		c.cyclesCompleted++
	}
}

// Stats returns a point-in-time health view for the metrics endpoint.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	devices := len(c.devices)
	available := 0
	zoneSet := make(map[string]bool)
	for _, dev := range c.devices {
		if dev.Available {
			available++
		}
		if dev.ZoneID != "" {
			zoneSet[dev.ZoneID] = true
		}
	}
	c.mu.RUnlock()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := Stats{
		Devices:         devices,
		Zones:           len(zoneSet),
		Available:       available,
		PendingCommands: c.cache.Len(),
		CyclesCompleted: c.cyclesCompleted,
		CyclesFailed:    c.cyclesFailed,
		CommandsSent:    c.commandsSent,
		LastPoll:        c.lastPoll,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
