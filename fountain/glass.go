package fountain

import (
	"sync"

	"github.com/zeebo/errs"
)

// ErrInconsistentTransfer is returned when a droplet announces a chunk count
// or padding that disagrees with the values the decoder already latched for
// this transfer. The droplet is dropped; the decoder state is untouched.
var ErrInconsistentTransfer = errs.Class("inconsistent transfer parameters")

// ErrIncomplete is returned by Reconstruct when not all chunks have been
// resolved yet. It signals a sequencing error in the caller, never partial
// output.
var ErrIncomplete = errs.Class("transfer incomplete")

// GlassOption configures a Glass during construction
type GlassOption func(*Glass) error

// pendingEntry is a droplet that still depends on more than one unresolved
// chunk: the set of missing indices plus the payload with every resolved
// chunk already XORed out. The seed keys the entry so re-ingesting the same
// droplet cannot grow the pending set.
type pendingEntry struct {
	seed    uint64
	missing map[int]struct{}
	data    []byte
}

// Glass consumes droplets in arbitrary order, with duplicates, and resolves
// the source chunks by peeling: whenever a droplet's unresolved dependency
// set shrinks to a single chunk, that chunk's bytes are known, which may in
// turn shrink other pending droplets.
//
// The transfer parameters K and P latch from the first ingested droplet.
// Ingest and Reconstruct are serialized internally, so progress can be polled
// from another goroutine while droplets are flowing in.
type Glass struct {
	selectFn SelectFunc

	mu           sync.Mutex
	numChunks    int // 0 until the first droplet arrives
	padding      int
	chunkSize    int
	chunks       [][]byte // nil entries are unresolved
	resolved     int
	pending      []*pendingEntry
	pendingSeeds map[uint64]struct{} // seeds of the entries in pending
}

// NewGlass creates a decoder. The select function must match the one the
// encoder used; the default pairs with the default Fountain configuration.
func NewGlass(opts ...GlassOption) (*Glass, error) {
	g := &Glass{pendingSeeds: make(map[uint64]struct{})}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	if g.selectFn == nil {
		selector, err := NewSelector(DefaultC, DefaultDelta)
		if err != nil {
			return nil, err
		}
		g.selectFn = selector.Select
	}
	return g, nil
}

// WithGlassSelectFunc overrides how the decoder derives a droplet's chunk
// index set from its seed.
func WithGlassSelectFunc(fn SelectFunc) GlassOption {
	return func(g *Glass) error {
		g.selectFn = fn
		return nil
	}
}

// Ingest feeds one droplet into the decoder. Droplets that contribute no new
// information are discarded silently; droplets that disagree with the
// transfer parameters are rejected without touching any state. The resolved
// chunk count only ever grows.
func (g *Glass) Ingest(d *Droplet) error {
	if d == nil || d.IsManifest() {
		return ErrMalformedDroplet.New("not a data droplet")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.numChunks == 0 {
		if d.NumChunks < 1 || d.NumChunks > MaxNumChunks {
			return ErrMalformedDroplet.New("bad chunk count %d", d.NumChunks)
		}
		if d.Padding < 0 || d.Padding >= len(d.Data) {
			return ErrMalformedDroplet.New("padding %d out of range for chunk size %d", d.Padding, len(d.Data))
		}
		g.numChunks = d.NumChunks
		g.padding = d.Padding
		g.chunkSize = len(d.Data)
		g.chunks = make([][]byte, g.numChunks)
	} else {
		if d.NumChunks != g.numChunks || d.Padding != g.padding {
			return ErrInconsistentTransfer.New("got K=%d P=%d, transfer has K=%d P=%d",
				d.NumChunks, d.Padding, g.numChunks, g.padding)
		}
		if len(d.Data) != g.chunkSize {
			return ErrMalformedDroplet.New("payload is %d bytes, chunk size is %d", len(d.Data), g.chunkSize)
		}
	}

	// Reduce the droplet by everything already resolved.
	data := make([]byte, g.chunkSize)
	copy(data, d.Data)
	missing := make(map[int]struct{})
	for _, i := range g.selectFn(d.Seed, g.numChunks) {
		if i < 0 || i >= g.numChunks {
			continue
		}
		if g.chunks[i] != nil {
			xorInto(data, g.chunks[i])
		} else {
			missing[i] = struct{}{}
		}
	}

	switch len(missing) {
	case 0:
		// Redundant droplet, including exact duplicates of earlier ones.
	case 1:
		for i := range missing {
			g.peel(i, data)
		}
	default:
		// A droplet already parked under this seed reduces to the same
		// entry, so re-ingesting it must not grow the pending set.
		if _, dup := g.pendingSeeds[d.Seed]; !dup {
			g.pendingSeeds[d.Seed] = struct{}{}
			g.pending = append(g.pending, &pendingEntry{seed: d.Seed, missing: missing, data: data})
		}
	}
	return nil
}

// peel resolves one chunk and propagates through the pending set with an
// explicit worklist, so pathological droplet streams cannot exhaust the call
// stack.
func (g *Glass) peel(index int, value []byte) {
	type resolved struct {
		index int
		value []byte
	}
	work := []resolved{{index, value}}

	for len(work) > 0 {
		next := work[0]
		work = work[1:]

		if g.chunks[next.index] != nil {
			continue
		}
		g.chunks[next.index] = next.value
		g.resolved++

		remaining := g.pending[:0]
		for _, entry := range g.pending {
			if _, ok := entry.missing[next.index]; ok {
				xorInto(entry.data, next.value)
				delete(entry.missing, next.index)
			}
			switch len(entry.missing) {
			case 0:
				// Fully reduced, nothing left to learn from it.
				delete(g.pendingSeeds, entry.seed)
			case 1:
				delete(g.pendingSeeds, entry.seed)
				for i := range entry.missing {
					work = append(work, resolved{i, entry.data})
				}
			default:
				remaining = append(remaining, entry)
			}
		}
		g.pending = remaining
	}
}

// Complete reports whether every chunk of the transfer has been resolved.
func (g *Glass) Complete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.numChunks > 0 && g.resolved == g.numChunks
}

// Resolved returns how many chunks have been resolved out of how many total.
// The total is zero until the first droplet arrives.
func (g *Glass) Resolved() (done, total int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved, g.numChunks
}

// PeekChunk returns a copy of one resolved chunk, or false if that chunk is
// still unknown. It lets a session read the payload header out of chunk 0
// before the transfer completes.
func (g *Glass) PeekChunk(i int) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i < 0 || i >= g.numChunks || g.chunks[i] == nil {
		return nil, false
	}
	out := make([]byte, g.chunkSize)
	copy(out, g.chunks[i])
	return out, true
}

// NumChunks returns the latched chunk count, zero before the first droplet.
func (g *Glass) NumChunks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.numChunks
}

// Padding returns the latched padding, valid once NumChunks is nonzero.
func (g *Glass) Padding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.padding
}

// Reconstruct concatenates the resolved chunks and strips the final padding.
// Calling it before the transfer is complete returns ErrIncomplete.
func (g *Glass) Reconstruct() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.numChunks == 0 || g.resolved != g.numChunks {
		return nil, ErrIncomplete.New("resolved %d of %d chunks", g.resolved, g.numChunks)
	}

	out := make([]byte, 0, g.numChunks*g.chunkSize-g.padding)
	for i, chunk := range g.chunks {
		if i == g.numChunks-1 {
			chunk = chunk[:g.chunkSize-g.padding]
		}
		out = append(out, chunk...)
	}
	return out, nil
}
