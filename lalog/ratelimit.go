package lalog

import (
	"sync"
	"time"
)

/*
RateLimit tracks the number of hits performed by each source ("actor") to determine whether a source has exceeded the
specified rate limit. Instead of being a rolling counter, the tracking data is reset to empty at regular interval.
*/
type RateLimit struct {
	UnitSecs int64
	MaxCount int
	Logger   *Logger

	lastTimestamp int64
	counter       map[string]int
	logged        map[string]struct{}
	counterMutex  sync.Mutex
}

// NewRateLimit constructs a new rate limiter.
func NewRateLimit(unitSecs int64, maxCount int, logger *Logger) *RateLimit {
	if unitSecs < 1 || maxCount < 1 {
		panic("rate limit UnitSecs and MaxCount must be greater than 0")
	}
	limit := &RateLimit{
		UnitSecs: unitSecs,
		MaxCount: maxCount,
		Logger:   logger,
		counter:  make(map[string]int),
		logged:   make(map[string]struct{}),
	}
	if limit.Logger == nil {
		limit.Logger = DefaultLogger
	}
	return limit
}

/*
Add increases the current counter by one for the actor name/ID if the max count per time interval has not been
exceeded, and returns true. Otherwise, the actor's current counter stays until the interval passes, and the function
will return false.
*/
func (limit *RateLimit) Add(actor string, logIfLimitHit bool) bool {
	limit.counterMutex.Lock()
	defer limit.counterMutex.Unlock()
	// Reset all counters after the interval.
	if now := time.Now().Unix(); now-limit.lastTimestamp >= limit.UnitSecs {
		limit.counter = make(map[string]int)
		limit.logged = make(map[string]struct{})
		limit.lastTimestamp = now
	}
	if limit.counter[actor] >= limit.MaxCount {
		if _, hasLogged := limit.logged[actor]; !hasLogged && logIfLimitHit {
			limit.Logger.Info("RateLimit", nil, "%s exceeded limit of %d hits per %d seconds", actor, limit.MaxCount, limit.UnitSecs)
			limit.logged[actor] = struct{}{}
		}
		return false
	}
	limit.counter[actor]++
	return true
}
