package fountain

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("fountain")

// DefaultChunkSize is the default size of a source chunk in bytes.
const DefaultChunkSize = 512

// FountainOption configures a Fountain during construction
type FountainOption func(*Fountain) error

// Fountain owns a chunked, padded source buffer and produces an unbounded
// sequence of droplets on demand. The source buffer is never mutated after
// construction; the only state that advances between droplets is the seed
// source.
type Fountain struct {
	data      []byte // padded source buffer, len == numChunks*chunkSize
	chunkSize int
	numChunks int
	padding   int

	selectFn SelectFunc

	mu  sync.Mutex // protects rng
	rng *mrand.Rand
}

// NewFountain chunks the given payload and prepares an encoder for it. The
// payload is copied, so the caller may reuse its buffer.
func NewFountain(data []byte, opts ...FountainOption) (*Fountain, error) {
	f := &Fountain{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("cannot encode an empty payload")
	}

	f.numChunks = (len(data) + f.chunkSize - 1) / f.chunkSize
	f.padding = f.numChunks*f.chunkSize - len(data)
	f.data = make([]byte, f.numChunks*f.chunkSize)
	copy(f.data, data)

	if f.rng == nil {
		var buf [8]byte
		if _, err := crand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("failed to seed the droplet stream: %w", err)
		}
		f.rng = mrand.New(mrand.NewSource(int64(binary.LittleEndian.Uint64(buf[:]))))
	}
	if f.selectFn == nil {
		selector, err := NewSelector(DefaultC, DefaultDelta)
		if err != nil {
			return nil, err
		}
		f.selectFn = selector.Select
	}

	log.Debugf("fountain ready: %d chunks of %d bytes, %d padding", f.numChunks, f.chunkSize, f.padding)
	return f, nil
}

// WithChunkSize sets the source chunk size in bytes.
func WithChunkSize(n int) FountainOption {
	return func(f *Fountain) error {
		if n < 1 {
			return fmt.Errorf("chunk size must be positive, got %d", n)
		}
		f.chunkSize = n
		return nil
	}
}

// WithSeedSource sets the random source the fountain draws droplet seeds
// from. A fixed source makes the droplet stream reproducible: a fresh
// fountain with the same source state emits the same droplets in the same
// order.
func WithSeedSource(src mrand.Source) FountainOption {
	return func(f *Fountain) error {
		f.rng = mrand.New(src)
		return nil
	}
}

// WithSelectFunc overrides how chunk index sets are derived from seeds. The
// decoder must be configured with the same function.
func WithSelectFunc(fn SelectFunc) FountainOption {
	return func(f *Fountain) error {
		f.selectFn = fn
		return nil
	}
}

// Droplet emits the next droplet of the stream. There is no upper bound on
// the number of calls; the caller decides when to stop.
func (f *Fountain) Droplet() *Droplet {
	f.mu.Lock()
	seed := f.rng.Uint64()
	f.mu.Unlock()

	payload := make([]byte, f.chunkSize)
	for _, i := range f.selectFn(seed, f.numChunks) {
		xorInto(payload, f.chunk(i))
	}

	return &Droplet{
		Seed:      seed,
		NumChunks: f.numChunks,
		Padding:   f.padding,
		Data:      payload,
	}
}

// NumChunks returns the chunk count K of the transfer.
func (f *Fountain) NumChunks() int { return f.numChunks }

// Padding returns the zero-pad length of the final chunk.
func (f *Fountain) Padding() int { return f.padding }

// ChunkSize returns the chunk size in bytes.
func (f *Fountain) ChunkSize() int { return f.chunkSize }

func (f *Fountain) chunk(i int) []byte {
	return f.data[i*f.chunkSize : (i+1)*f.chunkSize]
}

func xorInto(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}
