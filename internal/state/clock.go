package state

import (
	"fmt"

	"github.com/ambulink/ambulink/internal/core"
)

// Clock is the per-slice last-writer-wins stamp
type Clock = core.Clock

func clockKey(slice fmt.Stringer) string {
	return "clock:" + slice.String()
}
