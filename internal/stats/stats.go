/*
Package stats implements per-component local counters and JSON stats
reporting (spec §9 Design Notes: "Global mutable counters... Move to a
per-component local counter struct; aggregate at stats reporting time via
an envelope query. No process-wide mutable state.").
*/
package stats

import (
	"encoding/json"
	"sync"
	"time"

	statsd "github.com/cactus/go-statsd-client/v5/statsd"
)

// Counters is one component's local, mutex-protected counter set. Each
// component (Forwarder, Sequencer, Orderer, Scheduler, Worker) owns
// exactly one; there is no shared/global instance anywhere in the
// process.
type Counters struct {
	client statsd.Statter

	mu     sync.Mutex
	counts map[string]int64
	gauges map[string]int64
}

// NewCounters builds a Counters set. client may be nil, in which case
// statsd emission is skipped but local aggregation still works — useful
// in tests and for machines run without a statsd sidecar.
func NewCounters(client statsd.Statter) *Counters {
	return &Counters{
		client: client,
		counts: make(map[string]int64),
		gauges: make(map[string]int64),
	}
}

func (c *Counters) Incr(name string, delta int64) {
	c.mu.Lock()
	c.counts[name] += delta
	c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Inc(name, delta, 1.0)
	}
}

func (c *Counters) SetGauge(name string, value int64) {
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Gauge(name, value, 1.0)
	}
}

func (c *Counters) Timing(name string, d time.Duration) {
	if c.client != nil {
		_ = c.client.TimingDuration(name, d, 1.0)
	}
}

// Snapshot returns a JSON-serializable copy of the current local state,
// suitable for a StatsResponse.JSON payload (spec §6).
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts)+len(c.gauges))
	for k, v := range c.counts {
		out[k] = v
	}
	for k, v := range c.gauges {
		out[k] = v
	}
	return out
}

// MarshalSnapshot renders Snapshot() as a JSON document of the shape
// Request.stats returns (spec §6).
func (c *Counters) MarshalSnapshot() (string, error) {
	b, err := json.Marshal(c.Snapshot())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Reset removes every counter and gauge whose name starts with prefix
// (all of them when prefix is empty), used when Request.metrics flushes
// under a prefix.
func (c *Counters) Reset(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.counts {
		if prefix == "" || hasPrefix(k, prefix) {
			delete(c.counts, k)
		}
	}
	for k := range c.gauges {
		if prefix == "" || hasPrefix(k, prefix) {
			delete(c.gauges, k)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
