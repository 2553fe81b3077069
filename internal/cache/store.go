package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one cached upstream payload. FetchedAt is the clock reading taken
// when the payload was stored and drives TTL validity.
type Entry struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Store persists entries by key. Backends never judge freshness themselves;
// ResponseCache compares FetchedAt against its own TTL.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
