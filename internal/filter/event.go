// Package filter selects session events for display.
package filter

import (
	"path/filepath"

	"github.com/dyluth/warren/internal/events"
)

// Criteria defines filtering criteria for events.
// All filters are ANDed together.
type Criteria struct {
	SinceTimestampMs int64  // 0 = no lower bound
	UntilTimestampMs int64  // 0 = no upper bound
	TypeGlob         string // e.g. "tool.*", empty = all types
	Agent            string // worker id, empty = all workers
}

// Matches returns true if the event passes every active criterion.
func (c *Criteria) Matches(ev events.Event) bool {
	if c.SinceTimestampMs > 0 && ev.TimestampMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && ev.TimestampMs > c.UntilTimestampMs {
		return false
	}

	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, string(ev.Type))
		if err != nil || !matched {
			return false
		}
	}

	if c.Agent != "" && string(ev.AgentID) != c.Agent {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.TypeGlob != "" ||
		c.Agent != ""
}

// Validate reports a malformed type pattern.
func (c *Criteria) Validate() error {
	if c.TypeGlob == "" {
		return nil
	}
	_, err := filepath.Match(c.TypeGlob, "")
	return err
}
