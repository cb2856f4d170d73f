package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qrflow/qrflow/fountain"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("session")

// SessionOption configures a Session during construction
type SessionOption func(*Session) error

// File is one completed transfer: the framing header fields plus the
// decompressed file bytes, ready to be written out.
type File struct {
	Name  string
	Index int
	Total int
	Data  []byte
}

// Progress describes one in-flight transfer for external display.
type Progress struct {
	Name     string // empty until chunk 0 resolves and names the file
	Resolved int
	Total    int
}

// Stats are session-level counters, all monotonic until Reset.
type Stats struct {
	Received   uint64 // droplets handed to Ingest
	Malformed  uint64 // wire strings that failed to parse
	Duplicates uint64 // droplets short-circuited by seed dedup
	Rejected   uint64 // droplets a decoder refused
	Retired    int    // files completed and emitted
	Expected   int    // files announced by the manifest, 0 if unknown
}

// transferKey demultiplexes droplets before anything of the payload is
// readable: every droplet of one transfer carries the same chunk count and
// padding, and concurrent transfers virtually never share both.
type transferKey struct {
	numChunks int
	padding   int
}

type transfer struct {
	glass       *fountain.Glass
	header      Header
	headerKnown bool
	headerTried bool
}

// Session bridges a live, unordered, lossy droplet stream to per-file
// decoders: it deduplicates by seed, demultiplexes droplets to decoders,
// learns the expected file count from the manifest, and emits every completed
// file exactly once.
//
// Ingest is intended for a single consumer goroutine (an Intake); Progress,
// Stats and Done may be polled from anywhere, and Next blocks until a file
// completes.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	selectFn fountain.SelectFunc
	dedupTTL time.Duration
	dedup    bool

	mutex sync.Mutex
	cond  *sync.Cond

	seen      *SeenCache
	transfers map[transferKey]*transfer
	finished  map[[sha256.Size]byte]struct{} // content hashes of retired files
	files     []*File                        // completed files awaiting Next
	expected  int
	retired   int

	received   uint64
	malformed  uint64
	duplicates uint64
	rejected   uint64
}

// NewSession creates an orchestrator with seed deduplication enabled and
// never-expiring dedup entries by default.
func NewSession(opts ...SessionOption) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ctx:    ctx,
		cancel: cancel,

		dedup:     true,
		transfers: make(map[transferKey]*transfer),
		finished:  make(map[[sha256.Size]byte]struct{}),
	}
	s.cond = sync.NewCond(&s.mutex)

	for _, opt := range opts {
		if err := opt(s); err != nil {
			cancel()
			return nil, err
		}
	}

	if s.selectFn == nil {
		selector, err := fountain.NewSelector(fountain.DefaultC, fountain.DefaultDelta)
		if err != nil {
			cancel()
			return nil, err
		}
		s.selectFn = selector.Select
	}
	if s.dedup {
		s.seen = NewSeenCache(s.dedupTTL)
	}
	return s, nil
}

// WithDedup enables seed deduplication with the given entry TTL. A zero TTL
// keeps entries until the session resets.
func WithDedup(ttl time.Duration) SessionOption {
	return func(s *Session) error {
		s.dedup = true
		s.dedupTTL = ttl
		return nil
	}
}

// WithoutDedup processes every arrival. Already-resolved droplets reduce to
// nothing in the decoder, so correctness is unaffected; dedup is purely a
// performance optimization.
func WithoutDedup() SessionOption {
	return func(s *Session) error {
		s.dedup = false
		return nil
	}
}

// WithSessionSelectFunc overrides the chunk selection every per-file decoder
// is created with.
func WithSessionSelectFunc(fn fountain.SelectFunc) SessionOption {
	return func(s *Session) error {
		s.selectFn = fn
		return nil
	}
}

// IngestString parses one droplet wire string and feeds it in. Malformed
// input is counted and dropped; the returned error is informational and never
// fatal to the session.
func (s *Session) IngestString(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	d, err := fountain.Parse(line)
	if err != nil {
		s.mutex.Lock()
		s.malformed++
		s.mutex.Unlock()
		log.Debugf("dropping malformed droplet: %v", err)
		return err
	}
	return s.Ingest(d)
}

// Ingest routes one droplet to its decoder, peels, and retires the transfer
// on completion. A bad droplet never corrupts any decoder state.
func (s *Session) Ingest(d *fountain.Droplet) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	select {
	case <-s.ctx.Done():
		return fmt.Errorf("the session has been closed")
	default:
	}

	s.received++

	if d.IsManifest() {
		count, err := d.FileCount()
		if err != nil {
			s.malformed++
			log.Debugf("dropping bad manifest droplet: %v", err)
			return err
		}
		if s.expected == 0 {
			s.expected = count
			log.Infof("expecting %d files this session", count)
			s.cond.Broadcast()
		}
		return nil
	}

	if s.seen != nil && s.seen.Seen(d.Seed) {
		s.duplicates++
		return nil
	}

	key := transferKey{numChunks: d.NumChunks, padding: d.Padding}
	tr, ok := s.transfers[key]
	if !ok {
		glass, err := fountain.NewGlass(fountain.WithGlassSelectFunc(s.selectFn))
		if err != nil {
			return err
		}
		tr = &transfer{glass: glass}
		s.transfers[key] = tr
		log.Infof("new transfer: %d chunks, %d padding", d.NumChunks, d.Padding)
	}

	if err := tr.glass.Ingest(d); err != nil {
		s.rejected++
		log.Debugf("decoder refused droplet %d: %v", d.Seed, err)
		return err
	}

	// Read the framing header as soon as chunk 0 resolves, so progress can
	// be reported per filename before the transfer completes.
	if !tr.headerKnown && !tr.headerTried {
		if chunk0, ok := tr.glass.PeekChunk(0); ok {
			tr.headerTried = true
			if h, ok := ParseHeader(chunk0); ok {
				tr.header = h
				tr.headerKnown = true
				if h.Total > 0 && s.expected == 0 {
					s.expected = h.Total
				}
				log.Infof("receiving %q (%d of %d)", h.Name, h.Index, h.Total)
			}
		}
	}

	if tr.glass.Complete() {
		s.retire(key, tr)
	}
	return nil
}

// retire reconstructs a completed transfer and queues the resulting file.
// Called with the session mutex held.
func (s *Session) retire(key transferKey, tr *transfer) {
	raw, err := tr.glass.Reconstruct()
	delete(s.transfers, key)
	if err != nil {
		// Cannot happen for a complete decoder; keep the session alive.
		log.Errorf("reconstruct failed on a complete transfer: %v", err)
		return
	}

	digest := sha256.Sum256(raw)
	if _, dup := s.finished[digest]; dup {
		log.Debugf("ignoring duplicate completion of a retired file")
		return
	}
	s.finished[digest] = struct{}{}

	header, body := ParsePayload(raw)

	// Legacy senders ship the file count as a reserved tiny file.
	if header.Name == ManifestFilename {
		s.handleLegacyManifest(body)
		return
	}

	if header.Total > 0 && s.expected == 0 {
		s.expected = header.Total
	}
	if s.expected > 0 && s.retired >= s.expected {
		log.Infof("ignoring extra file beyond the announced %d", s.expected)
		return
	}

	body, err = Decompress(body)
	if err != nil {
		log.Warnf("decompression failed, emitting raw body: %v", err)
		_, body = ParsePayload(raw)
	}

	name := header.Name
	if name == "" {
		name = fmt.Sprintf("qr_output_%d", s.retired+1)
	}

	s.retired++
	s.files = append(s.files, &File{
		Name:  name,
		Index: header.Index,
		Total: header.Total,
		Data:  body,
	})
	s.cond.Signal()

	log.Infof("completed %q (%d bytes)", name, len(body))
	if s.expected > 0 && s.retired >= s.expected {
		log.Infof("all %d files received", s.expected)
		s.cond.Broadcast()
	}
}

func (s *Session) handleLegacyManifest(body []byte) {
	count := 0
	if _, err := fmt.Sscanf(strings.TrimSpace(string(body)), "%d", &count); err != nil || count < 1 {
		log.Warnf("unreadable legacy manifest payload %q", body)
		return
	}
	if s.expected == 0 {
		s.expected = count
		log.Infof("expecting %d files this session", count)
		s.cond.Broadcast()
	}
}

// Next blocks until a completed file is available and returns it.
func (s *Session) Next(ctx context.Context) (*File, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.files) > 0 {
		file := s.files[0]
		s.files = s.files[1:]
		return file, nil
	}

	unregisterAfterFunc := context.AfterFunc(ctx, func() {
		// Wake up all the waiting routines so the one tied to this call can
		// observe the cancellation.
		s.cond.Broadcast()
	})
	defer unregisterAfterFunc()

	for len(s.files) == 0 {
		s.cond.Wait()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("the call has been cancelled")
		case <-s.ctx.Done():
			return nil, fmt.Errorf("the session has been closed")
		default:
		}
	}
	file := s.files[0]
	s.files = s.files[1:]
	return file, nil
}

// Progress snapshots every in-flight transfer. It only takes the state
// mutex, so it never blocks ingestion for longer than a map walk.
func (s *Session) Progress() []Progress {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]Progress, 0, len(s.transfers))
	for _, tr := range s.transfers {
		done, total := tr.glass.Resolved()
		out = append(out, Progress{
			Name:     tr.header.Name,
			Resolved: done,
			Total:    total,
		})
	}
	return out
}

// Stats snapshots the session counters.
func (s *Session) Stats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return Stats{
		Received:   s.received,
		Malformed:  s.malformed,
		Duplicates: s.duplicates,
		Rejected:   s.rejected,
		Retired:    s.retired,
		Expected:   s.expected,
	}
}

// Done reports whether the announced number of files has been retired. It is
// always false while the file count is unknown; such sessions are open-ended
// and run until cancelled.
func (s *Session) Done() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.expected > 0 && s.retired >= s.expected
}

// Reset atomically discards all per-session state: decoders, dedup set,
// expected count, queued files. In-flight Ingest calls observe either the old
// state or the fresh one, never a half-updated decoder.
func (s *Session) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.transfers = make(map[transferKey]*transfer)
	s.finished = make(map[[sha256.Size]byte]struct{})
	s.files = nil
	s.expected = 0
	s.retired = 0
	s.received = 0
	s.malformed = 0
	s.duplicates = 0
	s.rejected = 0
	if s.seen != nil {
		s.seen.Reset()
	}
	s.cond.Broadcast()
	log.Infof("session reset")
}

// Close shuts the session down and wakes any waiting Next calls.
func (s *Session) Close() error {
	s.cancel()
	s.cond.Broadcast()
	if s.seen != nil {
		return s.seen.Close()
	}
	return nil
}
