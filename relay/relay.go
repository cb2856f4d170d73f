// Package relay moves droplet wire strings between machines over QUIC, so the
// box that watches the display and the box that decodes the transfer do not
// have to be the same. Datagram mode is the natural fit: delivery may be lossy
// and unordered because fountain coding absorbs both; stream mode is available
// for links where datagrams are blocked.
package relay

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	quic "github.com/quic-go/quic-go"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("relay")

// DefaultPort is the UDP port a relay listens on unless configured otherwise.
const DefaultPort = 7331

// Mode selects how frames travel over a QUIC connection.
type Mode int

const (
	// ModeDatagram sends each frame as one unreliable QUIC datagram.
	ModeDatagram Mode = iota
	// ModeStream sends length-prefixed frames over a reliable stream.
	ModeStream
)

// FrameHandler receives every droplet wire string arriving from a peer.
type FrameHandler func(peer.ID, string)

// RelayOption configures a Relay during construction
type RelayOption func(*Relay) error

// Relay is a one-way droplet distribution point: senders Broadcast frames,
// receivers Connect and register a FrameHandler. Either side may also do
// both; the relay itself does not care which direction frames flow.
type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mode        Mode
	endpoint    *net.UDPAddr
	peerID      peer.ID
	privateKey  ed25519.PrivateKey
	certificate *tls.Certificate

	transport *quic.Transport
	listener  *quic.Listener

	mutex       sync.Mutex
	connections map[peer.ID]*connection
	handler     FrameHandler

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
}

// NewRelay opens the UDP socket and starts accepting connections.
func NewRelay(opts ...RelayOption) (*Relay, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		ctx:    ctx,
		cancel: cancel,

		endpoint:    net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultPort)),
		connections: make(map[peer.ID]*connection),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			cancel()
			return nil, err
		}
	}

	if r.privateKey == nil {
		_, key, err := ed25519.GenerateKey(crand.Reader)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := WithIdentity(key)(r); err != nil {
			cancel()
			return nil, err
		}
	}

	udpConn, err := net.ListenUDP("udp", r.endpoint)
	if err != nil {
		cancel()
		return nil, err
	}
	r.transport = &quic.Transport{Conn: udpConn}

	if r.certificate, err = selfSignedCert(r.privateKey); err != nil {
		cancel()
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*r.certificate},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	r.listener, err = r.transport.Listen(tlsConfig, r.quicConfig())
	if err != nil {
		cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.acceptLoop()

	return r, nil
}

// WithListenAddr sets the local UDP endpoint.
func WithListenAddr(ep netip.AddrPort) RelayOption {
	return func(r *Relay) error {
		r.endpoint = net.UDPAddrFromAddrPort(ep)
		return nil
	}
}

// WithIdentity sets the relay's ed25519 identity key.
func WithIdentity(key ed25519.PrivateKey) RelayOption {
	return func(r *Relay) error {
		peerID, err := peerIDFromKey(key)
		if err != nil {
			return err
		}
		r.privateKey = key
		r.peerID = peerID
		return nil
	}
}

// WithMode sets how frames are transmitted.
func WithMode(mode Mode) RelayOption {
	return func(r *Relay) error {
		if mode != ModeDatagram && mode != ModeStream {
			return fmt.Errorf("unsupported relay mode: %d", mode)
		}
		r.mode = mode
		return nil
	}
}

func (r *Relay) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Minute,
	}
}

// ID returns the relay's peer ID.
func (r *Relay) ID() peer.ID {
	return r.peerID
}

// LocalAddr returns the bound UDP address.
func (r *Relay) LocalAddr() net.Addr {
	return r.transport.Conn.LocalAddr()
}

// SetFrameHandler installs the callback for arriving frames. Frames arriving
// while no handler is installed are discarded; a droplet stream has no
// obligation to deliver any particular frame anyway.
func (r *Relay) SetFrameHandler(handler FrameHandler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.handler = handler
}

// Connect dials a remote relay.
func (r *Relay) Connect(ctx context.Context, addr net.Addr) error {
	dialCtx, cancel := context.WithCancel(context.Background())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		select {
		case <-r.ctx.Done():
		case <-ctx.Done():
		}
	}()

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{*r.certificate},
		InsecureSkipVerify: true, // the peer ID inside the certificate is the identity we trust
	}
	conn, err := r.transport.Dial(dialCtx, addr, tlsConfig, r.quicConfig())
	if err != nil {
		return err
	}

	peerID, err := r.register(conn)
	if err != nil {
		conn.CloseWithError(0, err.Error())
		return err
	}
	log.Infof("connected to %s at %s", peerID, addr)
	return nil
}

// Broadcast sends one frame to every connected peer. Datagram losses are
// logged at debug level only; the stream is redundant by construction.
func (r *Relay) Broadcast(frame string) {
	r.mutex.Lock()
	conns := make([]*connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mutex.Unlock()

	for _, conn := range conns {
		if err := conn.send(frame); err != nil {
			log.Debugf("frame to %s lost: %v", conn.peerID, err)
			continue
		}
		r.framesSent.Add(1)
		r.bytesSent.Add(uint64(len(frame)))
	}
}

// Peers returns the IDs of the currently connected peers.
func (r *Relay) Peers() []peer.ID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]peer.ID, 0, len(r.connections))
	for peerID := range r.connections {
		out = append(out, peerID)
	}
	return out
}

// FramesSent returns the number of frames broadcast so far.
func (r *Relay) FramesSent() uint64 { return r.framesSent.Load() }

// FramesReceived returns the number of frames delivered to the handler.
func (r *Relay) FramesReceived() uint64 { return r.framesReceived.Load() }

// BytesSent returns the total frame bytes broadcast so far.
func (r *Relay) BytesSent() uint64 { return r.bytesSent.Load() }

// BytesReceived returns the total frame bytes received so far.
func (r *Relay) BytesReceived() uint64 { return r.bytesReceived.Load() }

// Close tears down the socket and every connection.
func (r *Relay) Close() error {
	err := r.transport.Close()
	r.cancel()
	r.wg.Wait()
	return err
}

func (r *Relay) acceptLoop() {
	defer r.wg.Done()

	log.Infof("relay %s listening on %s", r.peerID, r.endpoint)
	for {
		conn, err := r.listener.Accept(r.ctx)
		if err != nil {
			// Context cancelled, shutting down
			return
		}
		peerID, err := r.register(conn)
		if err != nil {
			log.Warnf("rejecting connection from %s: %v", conn.RemoteAddr(), err)
			conn.CloseWithError(0, err.Error())
			continue
		}
		log.Infof("accepted %s at %s", peerID, conn.RemoteAddr())
	}
}

// register wraps a fresh QUIC connection, starts its receive loop, and tracks
// it until it closes.
func (r *Relay) register(conn quic.Connection) (peer.ID, error) {
	peerCert := conn.ConnectionState().TLS.PeerCertificates[0]
	peerID, err := peerIDFromCertificate(peerCert)
	if err != nil {
		return "", fmt.Errorf("no peer ID in the TLS certificate: %w", err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.connections[peerID]; exists {
		return "", fmt.Errorf("already connected to peer %s", peerID)
	}
	wrapped := &connection{conn: conn, peerID: peerID, mode: r.mode}
	r.connections[peerID] = wrapped

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.receiveLoop(wrapped)
	}()
	go func() {
		defer r.wg.Done()
		<-conn.Context().Done()

		r.mutex.Lock()
		delete(r.connections, peerID)
		r.mutex.Unlock()
		log.Infof("peer %s disconnected", peerID)
	}()
	return peerID, nil
}

func (r *Relay) receiveLoop(conn *connection) {
	for {
		frame, err := conn.receive(r.ctx)
		if err != nil {
			return
		}
		r.framesReceived.Add(1)
		r.bytesReceived.Add(uint64(len(frame)))

		r.mutex.Lock()
		handler := r.handler
		r.mutex.Unlock()
		if handler != nil {
			handler(conn.peerID, frame)
		}
	}
}

// connection is one QUIC connection carrying droplet frames in the configured
// mode. Stream mode lazily opens a single send stream and accepts a single
// receive stream; frames on it are length-prefixed.
type connection struct {
	conn   quic.Connection
	peerID peer.ID
	mode   Mode

	sendMutex  sync.Mutex
	sendStream quic.SendStream

	recvOnce   sync.Once
	recvStream quic.ReceiveStream
	recvErr    error
}

func (c *connection) send(frame string) error {
	if c.mode == ModeDatagram {
		return c.conn.SendDatagram([]byte(frame))
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if c.sendStream == nil {
		stream, err := c.conn.OpenUniStreamSync(context.Background())
		if err != nil {
			return err
		}
		c.sendStream = stream
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))
	if _, err := c.sendStream.Write(prefix[:]); err != nil {
		return err
	}
	_, err := c.sendStream.Write([]byte(frame))
	return err
}

func (c *connection) receive(ctx context.Context) (string, error) {
	if c.mode == ModeDatagram {
		buf, err := c.conn.ReceiveDatagram(ctx)
		return string(buf), err
	}

	c.recvOnce.Do(func() {
		c.recvStream, c.recvErr = c.conn.AcceptUniStream(ctx)
	})
	if c.recvErr != nil {
		return "", c.recvErr
	}

	var prefix [4]byte
	if _, err := io.ReadFull(c.recvStream, prefix[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(c.recvStream, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
