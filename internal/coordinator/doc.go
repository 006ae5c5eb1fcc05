// Package coordinator orchestrates polling of the Kumo Cloud and owns
// the authoritative device table.
//
// The coordinator runs one polling cycle at a time: discover zones,
// fetch every device concurrently, merge the results with the pending
// command cache, then publish a consistent per-device snapshot map to
// subscribers. Command-triggered refresh requests arriving mid-cycle
// are coalesced into the next cycle; there is never more than one cycle
// in flight.
//
// Optimistic state: when a command is accepted by the cloud, its
// attributes are cached and overlaid on top of server state in every
// snapshot until the server confirms them or they age out (5 minutes).
// A snapshot therefore never shows a commanded attribute bouncing back
// to a stale server value while the command is pending.
//
// Failure isolation: each device's fetch retries independently with
// exponential backoff. A failing device keeps its last-known snapshot
// and is marked unavailable only after a configured number of
// consecutive failures; other devices publish on schedule regardless.
package coordinator
