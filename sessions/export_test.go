package sessions

import "time"

// SetMemStoreClock overrides the clock used by a MemStore.
func SetMemStoreClock[T any](ms *MemStore[T], now func() time.Time) {
	ms.timeNow = now
}
