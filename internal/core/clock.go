package core

import (
	"fmt"
	"time"
)

// Clock stamps each slice write for last-writer-wins resolution.
// Clocks are ordered by wall time, then counter, then node id.
type Clock struct {
	Wall    time.Time `json:"wall"`
	Counter uint64    `json:"counter"`
	Node    string    `json:"node"`
}

// After reports whether c is strictly later than o
func (c Clock) After(o Clock) bool {
	switch {
	case !c.Wall.Equal(o.Wall):
		return c.Wall.After(o.Wall)
	case c.Counter != o.Counter:
		return c.Counter > o.Counter
	default:
		return c.Node > o.Node
	}
}

// IsZero reports whether the clock was never set
func (c Clock) IsZero() bool {
	return c.Wall.IsZero() && c.Counter == 0 && c.Node == ""
}

// Tick returns the clock of the next local write after c
func (c Clock) Tick(now time.Time, node string) Clock {
	wall := now.UTC()
	if c.Wall.After(wall) {
		wall = c.Wall
	}
	return Clock{Wall: wall, Counter: c.Counter + 1, Node: node}
}

func (c Clock) String() string {
	return fmt.Sprintf("%s/%d/%s", c.Wall.Format(time.RFC3339Nano), c.Counter, c.Node)
}
