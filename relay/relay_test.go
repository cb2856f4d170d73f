package relay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/netip"
	"testing"
	"time"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestCertificate(t *testing.T) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	crt, err := selfSignedCert(sk)
	if err != nil {
		t.Fatal(err)
	}
	crtPid, err := peerIDFromCertificate(crt.Leaf)
	if err != nil {
		t.Fatal(err)
	}

	pubkey, err := ic.UnmarshalEd25519PublicKey(pk)
	if err != nil {
		t.Fatal(err)
	}
	p, err := peer.IDFromPublicKey(pubkey)
	if err != nil {
		t.Fatal(err)
	}

	if crtPid != p {
		t.Fatal("peer id in the created certificate is not correct")
	}
}

func newTestRelay(t *testing.T, opts ...RelayOption) *Relay {
	t.Helper()

	opts = append([]RelayOption{
		WithListenAddr(netip.MustParseAddrPort("127.0.0.1:0")),
	}, opts...)
	r, err := NewRelay(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func testExchange(t *testing.T, mode Mode) {
	sender := newTestRelay(t, WithMode(mode))
	receiver := newTestRelay(t, WithMode(mode))

	received := make(chan string, 16)
	receiver.SetFrameHandler(func(from peer.ID, frame string) {
		if from != sender.ID() {
			t.Errorf("frame attributed to %s, want %s", from, sender.ID())
		}
		received <- frame
	})

	ctx := context.Background()
	if err := receiver.Connect(ctx, sender.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	// Wait until the sender sees the connection
	for i := 0; len(sender.Peers()) == 0; i++ {
		if i > 100 {
			t.Fatal("sender never saw the receiver connect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	frames := []string{
		"12345|5|0|aGVsbG8=",
		"67890|5|0|d29ybGQ=",
		"1|0|2|",
	}
	for _, frame := range frames {
		sender.Broadcast(frame)
	}

	got := make(map[string]bool)
	deadline := time.After(5 * time.Second)
	for len(got) < len(frames) {
		select {
		case frame := <-received:
			got[frame] = true
		case <-deadline:
			t.Fatalf("received %d of %d frames", len(got), len(frames))
		}
	}
	for _, frame := range frames {
		if !got[frame] {
			t.Errorf("frame %q never arrived", frame)
		}
	}

	if sender.FramesSent() != uint64(len(frames)) {
		t.Errorf("sender counted %d frames, want %d", sender.FramesSent(), len(frames))
	}
	if receiver.FramesReceived() != uint64(len(frames)) {
		t.Errorf("receiver counted %d frames, want %d", receiver.FramesReceived(), len(frames))
	}
}

func TestRelayDatagramExchange(t *testing.T) {
	testExchange(t, ModeDatagram)
}

func TestRelayStreamExchange(t *testing.T) {
	testExchange(t, ModeStream)
}

func TestRelayDuplicatePeer(t *testing.T) {
	_, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	server := newTestRelay(t)
	r1 := newTestRelay(t, WithIdentity(sk))
	r2 := newTestRelay(t, WithIdentity(sk))

	ctx := context.Background()
	addr := server.LocalAddr()
	if err := r1.Connect(ctx, addr); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := r2.Connect(ctx, addr); err != nil {
		t.Fatal(err)
	}

	// The server rejects the second connection because it carries the same
	// peer id as the first
	time.Sleep(50 * time.Millisecond)
	if len(server.Peers()) != 1 {
		t.Fatalf("server has %d peers, want 1", len(server.Peers()))
	}
}

func TestRelayBadMode(t *testing.T) {
	if _, err := NewRelay(WithMode(Mode(42))); err == nil {
		t.Fatal("expected an error for an unsupported mode")
	}
}
