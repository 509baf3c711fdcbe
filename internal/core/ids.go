package core

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// ID prefixes for domain records
const (
	PrefixTrip   = "TRIP-"
	PrefixLead   = "LEAD-"
	PrefixAlert  = "ALERT-"
	PrefixReport = "REPORT-"
)

// NewID returns prefix + "<unix-ms>-<9 base36 chars>". Ids are never reused.
func NewID(prefix string) string {
	return newIDAt(prefix, time.Now())
}

func newIDAt(prefix string, at time.Time) string {
	u := uuid.New()
	var b strings.Builder
	b.Grow(len(prefix) + 24)
	b.WriteString(prefix)
	b.WriteString(strconv.FormatInt(at.UnixMilli(), 10))
	b.WriteByte('-')
	for i := 0; i < 9; i++ {
		b.WriteByte(idAlphabet[int(u[i])%len(idAlphabet)])
	}
	return b.String()
}
