package prisma

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMicro returns the current time as Unix microseconds. Message ordering
// relies on microsecond resolution: the compactor places summary rows one
// microsecond before the earliest retained message.
func NowMicro() int64 {
	return time.Now().UnixMicro()
}
