package cluster

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/singleflight"

	cm "github.com/unkn0wn-root/copymachine"
)

const (
	penaltyBase   = 2 * time.Second // first timeout → 2s
	penaltyMax    = 8 * time.Second // cap the penalty
	backoffWindow = 5 * time.Second // time window to keep growing the streak
)

var readBufPool = newBufPool(1<<10, 64<<10)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, _ := cbor.CanonicalEncOptions().EncMode()
	dm, _ := (cbor.DecOptions{}).DecMode()
	cborEnc, cborDec = em, dm
}

type peerConn struct {
	addr         string
	self         string
	conn         net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	mu           sync.Mutex
	pend         sync.Map // reqID -> chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	maxFrame     int
	readTO       time.Duration
	writeTO      time.Duration
	idleTO       time.Duration
	inflightCh   chan struct{}
	token        string
	penaltyUntil int64
	lastTimeout  int64
	toStreak     uint32
}

// dialPeer establishes a TCP/TLS connection, performs an optional Hello auth,
// and starts a read loop that dispatches responses by request ID via pend map.
func dialPeer(ctx context.Context, self, addr string, tlsConf *tls.Config, sec Security) (*peerConn, error) {
	d := &net.Dialer{
		Timeout:   sec.ReadTimeout,
		KeepAlive: 45 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
			})
		},
	}

	var c net.Conn
	var err error
	if tlsConf != nil {
		td := &tls.Dialer{NetDialer: d, Config: tlsConf}
		c, err = td.DialContext(ctx, "tcp", addr)
	} else {
		c, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	inflight := sec.MaxInflightPerPeer
	if inflight <= 0 {
		inflight = 1
	}
	pc := &peerConn{
		addr:       addr,
		self:       self,
		conn:       c,
		r:          bufio.NewReaderSize(c, 16<<10),
		w:          bufio.NewWriterSize(c, 16<<10),
		closed:     make(chan struct{}),
		maxFrame:   sec.MaxFrameSize,
		readTO:     sec.ReadTimeout,
		writeTO:    sec.WriteTimeout,
		idleTO:     sec.IdleTimeout,
		inflightCh: make(chan struct{}, inflight),
		token:      sec.AuthToken,
	}
	if pc.token != "" {
		if err := pc.hello(); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	// one goroutine reads frames and routes them to the waiting requester
	// channel keyed by Base.ID.
	go pc.readLoop()
	return pc, nil
}

func (p *peerConn) hello() error {
	id := uint64(time.Now().UnixNano())
	msg := &MsgHello{Base: Base{T: MTHello, ID: id}, From: p.self, Token: p.token}
	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.writeFrame(raw); err != nil {
		return err
	}

	respRaw, err := p.readFrame(p.readTO)
	if err != nil {
		return err
	}

	var hr MsgHelloResp
	if err := cborDec.Unmarshal(respRaw, &hr); err != nil {
		return err
	}
	if hr.T != MTHelloResp {
		return fmt.Errorf("%w: hello answered with message type %d", ErrBadPeer, hr.T)
	}
	if !hr.OK {
		if hr.Err == "" {
			hr.Err = ErrUnauthorized.Error()
		}
		return fmt.Errorf("%w: %s", ErrUnauthorized, hr.Err)
	}
	return nil
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		close(p.closed)
	})
}

func (p *peerConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *peerConn) failAll() {
	p.close()
	// close channels so request() unblocks and returns ErrPeerClosed.
	p.pend.Range(func(k, chAny any) bool {
		p.pend.Delete(k)
		close(chAny.(chan []byte))
		return true
	})
}

// readLoop continuously reads frames and unblocks waiters with matching IDs.
func (p *peerConn) readLoop() {
	for {
		buf, err := p.readFrame(p.idleTO)
		if err != nil {
			p.failAll()
			return
		}
		var base Base
		if err := cborDec.Unmarshal(buf, &base); err != nil {
			continue
		}
		if chAny, ok := p.pend.LoadAndDelete(base.ID); ok {
			ch := chAny.(chan []byte)
			ch <- buf
			close(ch)
		}
	}
}

// readFrame waits up to wait for a frame header, then reads the body within
// the read timeout.
func (p *peerConn) readFrame(wait time.Duration) ([]byte, error) {
	if wait > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(wait))
	} else {
		_ = p.conn.SetReadDeadline(time.Time{})
	}
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return nil, err
	}

	n := int(binary.BigEndian.Uint32(hdr[:]))
	if p.maxFrame > 0 && n > p.maxFrame {
		return nil, ErrFrameTooLarge
	}

	if p.readTO > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.readTO))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *peerConn) writeFrame(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTO > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTO))
	}
	return writeFrameBuf(p.w, payload)
}

func writeFrameBuf(w *bufio.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

func (p *peerConn) request(ctx context.Context, msg any, id uint64, timeout time.Duration) ([]byte, error) {
	select {
	case p.inflightCh <- struct{}{}:
	default:
		return nil, ErrInflight
	}
	defer func() { <-p.inflightCh }()

	raw, err := cborEnc.Marshal(msg)
	if err != nil {
		return nil, err
	}
	// each request registers a one-shot channel under its ID; readLoop
	// delivers the response or the request times out and cleans up the slot.
	ch := make(chan []byte, 1)
	p.pend.Store(id, ch)
	if p.isClosed() {
		p.pend.Delete(id)
		return nil, ErrPeerClosed
	}

	if err := p.writeFrame(raw); err != nil {
		p.pend.Delete(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrPeerClosed
		}
		return resp, nil
	case <-timer.C:
		p.pend.Delete(id)
		p.penalizeTimeout()
		return nil, ErrTimeout
	case <-ctx.Done():
		p.pend.Delete(id)
		return nil, ctx.Err()
	}
}

// penalizeTimeout bumps a short penalty - repeated timeouts within backoffWindow
// grow the penalty (2s → 4s → 8s), capped by penaltyMax.
func (p *peerConn) penalizeTimeout() {
	now := time.Now()
	last := time.Unix(0, atomic.LoadInt64(&p.lastTimeout))
	var streak uint32
	if now.Sub(last) > backoffWindow {
		atomic.StoreUint32(&p.toStreak, 1)
		streak = 1
	} else {
		streak = atomic.AddUint32(&p.toStreak, 1)
	}
	atomic.StoreInt64(&p.lastTimeout, now.UnixNano())

	shift := streak - 1
	if shift > 3 {
		shift = 3
	}
	d := penaltyBase << shift
	if d > penaltyMax {
		d = penaltyMax
	}
	atomic.StoreInt64(&p.penaltyUntil, now.Add(d).UnixNano())
}

// penalized reports whether the peer is currently under penalty.
func (p *peerConn) penalized() bool {
	return time.Now().UnixNano() < atomic.LoadInt64(&p.penaltyUntil)
}

// Transport implements cm.Transport over framed CBOR on TCP, optionally with
// TLS and a hello token. Connections are cached per address and shared by
// every copy machine of the node.
type Transport struct {
	cfg     Config
	tlsConf *tls.Config
	log     *slog.Logger

	dials  singleflight.Group
	mu     sync.RWMutex
	peers  map[string]*peerConn
	closed bool
	reqID  atomic.Uint64
}

var _ cm.Transport = (*Transport)(nil)

func NewTransport(cfg Config, logger *slog.Logger) (*Transport, error) {
	cfg.FillDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &Transport{
		cfg:   cfg,
		log:   logger.With(slog.String("component", "transport")),
		peers: make(map[string]*peerConn),
	}
	if cfg.Sec.TLS.Enable {
		_, cc, err := buildTLS(cfg.Sec.TLS)
		if err != nil {
			return nil, fmt.Errorf("transport TLS: %w", err)
		}
		t.tlsConf = cc
	}
	return t, nil
}

// Connect dials endpoint unless a live connection to it exists.
func (t *Transport) Connect(ctx context.Context, endpoint string) (cm.Conn, error) {
	if _, err := t.ensurePeer(ctx, endpoint); err != nil {
		return nil, err
	}
	return &conn{t: t, addr: endpoint}, nil
}

// Close closes every cached connection. Further sends fail with ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	peers := t.peers
	t.peers = make(map[string]*peerConn)
	t.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	return nil
}

func (t *Transport) nextReqID() uint64 { return t.reqID.Add(1) }

// ensurePeer returns an existing live connection or dials a new one. Dials
// to the same address are collapsed.
func (t *Transport) ensurePeer(ctx context.Context, addr string) (*peerConn, error) {
	t.mu.RLock()
	p, closed := t.peers[addr], t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if p != nil && !p.isClosed() {
		return p, nil
	}

	v, err, _ := t.dials.Do(addr, func() (any, error) {
		pc, err := dialPeer(ctx, t.cfg.PublicURL, addr, t.tlsConf, t.cfg.Sec)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			pc.close()
			return nil, ErrClosed
		}
		if old := t.peers[addr]; old != nil {
			old.close()
		}
		t.peers[addr] = pc
		t.log.Debug("peer connected", slog.String("peer", addr))
		return pc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return v.(*peerConn), nil
}

// resetPeer closes and forgets pc if it is still the cached connection.
func (t *Transport) resetPeer(addr string, pc *peerConn) {
	t.mu.Lock()
	if t.peers[addr] == pc {
		delete(t.peers, addr)
	}
	t.mu.Unlock()
	pc.close()
}

func (t *Transport) roundTrip(ctx context.Context, addr string, msg any, id uint64) ([]byte, error) {
	pc, err := t.ensurePeer(ctx, addr)
	if err != nil {
		return nil, err
	}
	if pc.penalized() {
		return nil, fmt.Errorf("%s: %w (penalized)", addr, ErrTimeout)
	}
	raw, err := pc.request(ctx, msg, id, t.cfg.Sec.SendTimeout)
	if err != nil {
		if needsRedial(err) {
			t.resetPeer(addr, pc)
		}
		return nil, err
	}
	return raw, nil
}

func (t *Transport) sendUpdate(ctx context.Context, addr string, u *cm.SWUpdate) error {
	id := t.nextReqID()
	raw, err := t.roundTrip(ctx, addr, &MsgSWUpdate{Base: Base{T: MTSWUpdate, ID: id}, Update: *u}, id)
	if err != nil {
		return err
	}
	var ack MsgSWUpdateAck
	if err := cborDec.Unmarshal(raw, &ack); err != nil || ack.T != MTSWUpdateAck {
		return ErrBadPeer
	}
	return ackError(&ack)
}

// gossip exchanges membership views with addr.
func (t *Transport) gossip(ctx context.Context, addr string, g *MsgGossip) (*MsgGossip, error) {
	g.ID = t.nextReqID()
	raw, err := t.roundTrip(ctx, addr, g, g.ID)
	if err != nil {
		return nil, err
	}
	var resp MsgGossip
	if err := cborDec.Unmarshal(raw, &resp); err != nil || resp.T != MTGossip {
		return nil, ErrBadPeer
	}
	return &resp, nil
}

// conn is one copy machine's handle on a shared peer connection.
type conn struct {
	t      *Transport
	addr   string
	closed atomic.Bool
}

func (c *conn) Send(ctx context.Context, msg *cm.SWUpdate) <-chan error {
	ch := make(chan error, 1)
	if c.closed.Load() {
		ch <- cm.ErrClosed
		return ch
	}
	go func() { ch <- c.t.sendUpdate(ctx, c.addr, msg) }()
	return ch
}

// Close detaches the handle. The underlying connection stays cached for
// other machines.
func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}
