package session

import (
	"context"
	"sync"
	"time"
)

var sweepInterval = 1 * time.Minute

// SeenCache remembers which droplet seeds have already been processed so a
// looping visual channel does not pay for re-ingesting the same droplet over
// and over. A zero TTL keeps entries until the cache is reset; a positive TTL
// expires them in the background, bounding memory for long-running sessions.
type SeenCache struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lk    sync.Mutex
	seeds map[uint64]time.Time
	ttl   time.Duration
}

func NewSeenCache(ttl time.Duration) *SeenCache {
	ctx, cancel := context.WithCancel(context.Background())

	sc := &SeenCache{
		ctx:    ctx,
		cancel: cancel,

		seeds: make(map[uint64]time.Time),
		ttl:   ttl,
	}

	if ttl > 0 {
		sc.wg.Add(1)
		go sc.background()
	}

	return sc
}

// Seen records the seed and reports whether it had been recorded before.
func (sc *SeenCache) Seen(seed uint64) bool {
	sc.lk.Lock()
	defer sc.lk.Unlock()

	if _, ok := sc.seeds[seed]; ok {
		return true
	}
	sc.seeds[seed] = time.Now().Add(sc.ttl)
	return false
}

func (sc *SeenCache) Has(seed uint64) bool {
	sc.lk.Lock()
	defer sc.lk.Unlock()

	_, ok := sc.seeds[seed]
	return ok
}

func (sc *SeenCache) Len() int {
	sc.lk.Lock()
	defer sc.lk.Unlock()

	return len(sc.seeds)
}

// Reset forgets every seed without stopping the sweeper.
func (sc *SeenCache) Reset() {
	sc.lk.Lock()
	defer sc.lk.Unlock()

	sc.seeds = make(map[uint64]time.Time)
}

func (sc *SeenCache) background() {
	defer sc.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			sc.sweep(now)

		case <-sc.ctx.Done():
			return
		}
	}
}

func (sc *SeenCache) sweep(now time.Time) {
	sc.lk.Lock()
	defer sc.lk.Unlock()

	for seed, expiry := range sc.seeds {
		if expiry.Before(now) {
			delete(sc.seeds, seed)
		}
	}
}

func (sc *SeenCache) Close() error {
	sc.cancel()
	sc.wg.Wait()
	return nil
}
