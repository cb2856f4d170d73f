package session

import (
	"bytes"
	"context"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/qrflow/qrflow/fountain"
)

func fileFountain(t *testing.T, name string, index, total int, body []byte, seed int64) *fountain.Fountain {
	t.Helper()
	f, err := fountain.NewFountain(
		EncodePayload(name, index, total, body),
		fountain.WithChunkSize(100),
		fountain.WithSeedSource(mrand.NewSource(seed)),
	)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestSessionSingleFile(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog")
	f := fileFountain(t, "fox.txt", 1, 1, body, 11)

	s, err := NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 4*f.NumChunks() && !s.Done(); i++ {
		if err := s.IngestString(f.Droplet().String()); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Done() {
		t.Fatal("session should be done after a single announced file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	file, err := s.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if file.Name != "fox.txt" || !bytes.Equal(file.Data, body) {
		t.Fatalf("wrong file emitted: %q (%d bytes)", file.Name, len(file.Data))
	}
}

// TestSessionManifestTwoFiles interleaves droplets of two files behind a
// manifest and checks that each file is retired independently and the session
// only completes once both are out.
func TestSessionManifestTwoFiles(t *testing.T) {
	bodyA := bytes.Repeat([]byte("aaaa-file-one-"), 40)
	bodyB := bytes.Repeat([]byte("bb-file-two-"), 90)
	// Different sizes give the two transfers distinct (K, P) signatures.
	fa := fileFountain(t, "a.bin", 1, 2, bodyA, 21)
	fb := fileFountain(t, "b.bin", 2, 2, bodyB, 22)

	s, err := NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Ingest(fountain.NewManifest(2)); err != nil {
		t.Fatal(err)
	}
	if s.Done() {
		t.Fatal("manifest alone must not complete the session")
	}

	budget := 4 * (fa.NumChunks() + fb.NumChunks())
	for i := 0; i < budget && !s.Done(); i++ {
		var d *fountain.Droplet
		if i%2 == 0 {
			d = fa.Droplet()
		} else {
			d = fb.Droplet()
		}
		if err := s.Ingest(d); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Done() {
		t.Fatalf("session incomplete: %+v", s.Progress())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make(map[string][]byte)
	for i := 0; i < 2; i++ {
		file, err := s.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got[file.Name] = file.Data
	}
	if !bytes.Equal(got["a.bin"], bodyA) {
		t.Fatal("file a.bin corrupted or missing")
	}
	if !bytes.Equal(got["b.bin"], bodyB) {
		t.Fatal("file b.bin corrupted or missing")
	}

	stats := s.Stats()
	if stats.Retired != 2 || stats.Expected != 2 {
		t.Fatalf("bad stats: %+v", stats)
	}
}

// sequentialSeeds is a rand.Source64 handing out 0, 1, 2, ...
type sequentialSeeds struct{ next uint64 }

func (s *sequentialSeeds) Uint64() uint64 {
	seed := s.next
	s.next++
	return seed
}
func (s *sequentialSeeds) Int63() int64    { return int64(s.Uint64() >> 1) }
func (s *sequentialSeeds) Seed(seed int64) {}

func TestSessionHeaderBeforeCompletion(t *testing.T) {
	// Every droplet has degree 1 and targets chunk (seed mod K), so chunk 0
	// resolves first and the header is readable long before completion.
	selectFn := func(seed uint64, numChunks int) []int {
		return []int{int(seed % uint64(numChunks))}
	}

	body := bytes.Repeat([]byte{0x5a}, 2000)
	f, err := fountain.NewFountain(
		EncodePayload("big.dat", 1, 1, body),
		fountain.WithChunkSize(100),
		fountain.WithSelectFunc(selectFn),
		fountain.WithSeedSource(&sequentialSeeds{}),
	)
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewSession(WithSessionSelectFunc(selectFn))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	named := false
	for i := 0; i < f.NumChunks() && !s.Done(); i++ {
		if err := s.Ingest(f.Droplet()); err != nil {
			t.Fatal(err)
		}
		for _, p := range s.Progress() {
			if p.Name == "big.dat" && p.Resolved < p.Total {
				named = true
			}
		}
	}
	if !s.Done() {
		t.Fatal("one degree-1 droplet per chunk should complete the transfer")
	}
	if !named {
		t.Fatal("progress should carry the filename before the transfer completes")
	}
}

func TestSessionDedupModes(t *testing.T) {
	body := []byte("same bytes either way")

	run := func(opt SessionOption) *File {
		f := fileFountain(t, "x.txt", 1, 1, body, 41)
		s, err := NewSession(opt)
		if err != nil {
			t.Fatal(err)
		}
		defer s.Close()

		var droplets []*fountain.Droplet
		for i := 0; i < 3*f.NumChunks(); i++ {
			droplets = append(droplets, f.Droplet())
		}
		// Feed everything twice; dedup must not change the outcome.
		for _, d := range append(droplets, droplets...) {
			if err := s.Ingest(d); err != nil {
				t.Fatal(err)
			}
		}
		if !s.Done() {
			t.Fatal("transfer did not complete")
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		file, err := s.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return file
	}

	withDedup := run(WithDedup(0))
	withoutDedup := run(WithoutDedup())
	if !bytes.Equal(withDedup.Data, body) || !bytes.Equal(withoutDedup.Data, body) {
		t.Fatal("dedup mode changed the reconstructed bytes")
	}
}

func TestSessionCompressedPayload(t *testing.T) {
	body := bytes.Repeat([]byte("compress me please "), 300)
	compressed, applied := Compress(body)
	if !applied {
		t.Fatal("body should compress")
	}
	f, err := fountain.NewFountain(
		EncodePayload("c.txt", 1, 1, compressed),
		fountain.WithChunkSize(128),
		fountain.WithSeedSource(mrand.NewSource(51)),
	)
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 4*f.NumChunks() && !s.Done(); i++ {
		if err := s.Ingest(f.Droplet()); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	file, err := s.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(file.Data, body) {
		t.Fatal("compressed payload was not transparently decompressed")
	}
}

func TestSessionMalformedInputIsLocal(t *testing.T) {
	body := []byte("survives hostile neighbors")
	f := fileFountain(t, "s.txt", 1, 1, body, 61)

	s, err := NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 4*f.NumChunks() && !s.Done(); i++ {
		// Interleave garbage with real droplets; the garbage is counted
		// and dropped without hurting the transfer.
		_ = s.IngestString("###not a droplet###")
		if err := s.IngestString(f.Droplet().String()); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Done() {
		t.Fatal("malformed input corrupted the session")
	}
	if s.Stats().Malformed == 0 {
		t.Fatal("malformed input was not counted")
	}
}

func TestSessionReset(t *testing.T) {
	body := bytes.Repeat([]byte{7}, 900)
	f := fileFountain(t, "r.bin", 1, 1, body, 71)

	s, err := NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < f.NumChunks()/2; i++ {
		if err := s.Ingest(f.Droplet()); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.Progress()) == 0 {
		t.Fatal("expected an in-flight transfer before reset")
	}

	s.Reset()
	if len(s.Progress()) != 0 || s.Stats().Received != 0 {
		t.Fatal("reset left state behind")
	}

	// The same stream decodes from scratch after a reset; the dedup set
	// must have forgotten the old seeds.
	f2 := fileFountain(t, "r.bin", 1, 1, body, 71)
	for i := 0; i < 4*f2.NumChunks() && !s.Done(); i++ {
		if err := s.Ingest(f2.Droplet()); err != nil {
			t.Fatal(err)
		}
	}
	if !s.Done() {
		t.Fatal("session did not recover after reset")
	}
}

func TestSessionLegacyManifestFile(t *testing.T) {
	// Legacy senders ship the file count as a reserved tiny file.
	f := fileFountain(t, ManifestFilename, 0, 0, []byte("2"), 81)

	s, err := NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < 4*f.NumChunks(); i++ {
		if err := s.Ingest(f.Droplet()); err != nil {
			t.Fatal(err)
		}
	}
	stats := s.Stats()
	if stats.Expected != 2 {
		t.Fatalf("legacy manifest not honored: %+v", stats)
	}
	if stats.Retired != 0 {
		t.Fatal("legacy manifest must not count as a received file")
	}
}
