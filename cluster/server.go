package cluster

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	cm "github.com/unkn0wn-root/copymachine"
)

// Server accepts replica connections for one node. It delivers inbound
// window updates to the registry's copy machine of the named type, answers
// gossip, and keeps the membership view that backs its Catalog.
type Server struct {
	cfg Config
	reg *cm.Registry
	tr  *Transport
	mem *membership
	lim *peerLimiter
	log *slog.Logger

	ln            net.Listener
	tlsServerConf *tls.Config
	handshakeGate chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ cm.Catalog = (*Server)(nil)

func NewServer(cfg Config, reg *cm.Registry, tr *Transport, logger *slog.Logger) (*Server, error) {
	cfg.FillDefaults()
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		cfg:  cfg,
		reg:  reg,
		tr:   tr,
		mem:  newMembership(),
		lim:  newPeerLimiter(cfg.Sec.UpdateQPS, cfg.Sec.UpdateBurst),
		log:  logger.With(slog.String("component", "server")),
		stop: make(chan struct{}),
	}
	if cfg.Sec.TLS.Enable {
		sc, _, err := buildTLS(cfg.Sec.TLS)
		if err != nil {
			return nil, fmt.Errorf("server TLS: %w", err)
		}
		if sc == nil {
			return nil, errors.New("server TLS: cert_file and key_file are required")
		}
		s.tlsServerConf = sc
		lim := runtime.NumCPU() * 32
		if lim < 64 {
			lim = 64
		}
		s.handshakeGate = make(chan struct{}, lim)
	}
	return s, nil
}

// Start listens on BindAddr, records the seeds and launches the gossip loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	if s.cfg.PublicURL == "" {
		s.cfg.PublicURL = ln.Addr().String()
	}
	s.cfg.EnsureID()
	s.log = s.log.With(slog.String("node", string(s.cfg.ID)))
	s.log.Info("listening", slog.String("addr", ln.Addr().String()), slog.String("public", s.cfg.PublicURL))

	s.mem.ensure(NodeID(s.cfg.PublicURL), s.cfg.PublicURL)
	for _, seed := range s.cfg.Seeds {
		if seed != s.cfg.PublicURL {
			s.mem.add(NodeID(seed), seed)
		}
	}

	s.wg.Add(2)
	go s.acceptLoop(ln)
	go s.gossipLoop()
	return nil
}

// PublicURL is the address replicas use to reach this node. Without a
// configured one it is the bound listener address once started.
func (s *Server) PublicURL() string { return s.cfg.PublicURL }

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and waits for the background loops. It is
// idempotent. Connections already being served end on their next read.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.wg.Wait()
	})
}

// Peers implements cm.Catalog: the public addresses of live nodes other
// than this one, sorted.
func (s *Server) Peers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	alive := s.mem.alive(time.Now().UnixNano(), s.cfg.SuspicionAfter)
	out := make([]string, 0, len(alive))
	for _, nm := range alive {
		if nm.Addr != s.cfg.PublicURL {
			out = append(out, nm.Addr)
		}
	}
	return out, nil
}

// Members returns the live nodes including this one, sorted.
func (s *Server) Members() []string {
	alive := s.mem.alive(time.Now().UnixNano(), s.cfg.SuspicionAfter)
	out := make([]string, 0, len(alive))
	for _, nm := range alive {
		out = append(out, nm.Addr)
	}
	return out
}

// AwaitPeers polls the membership until at least n peers are alive.
func (s *Server) AwaitPeers(ctx context.Context, n int) ([]string, error) {
	t := time.NewTicker(s.cfg.GossipInterval / 2)
	defer t.Stop()
	for {
		peers, err := s.Peers(ctx)
		if err != nil {
			return nil, err
		}
		if len(peers) >= n {
			return peers, nil
		}
		select {
		case <-ctx.Done():
			return peers, ctx.Err()
		case <-s.stop:
			return peers, ErrClosed
		case <-t.C:
		}
	}
}

// acceptLoop accepts inbound TCP connections and hands each to serveConn.
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	tune := func(tc *net.TCPConn) {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(45 * time.Second)
	}

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
				continue
			}
		}
		if tc, ok := c.(*net.TCPConn); ok {
			tune(tc)
		}
		go s.serveConn(c)
	}
}

// serveConn handles one inbound connection: optional TLS handshake and auth,
// then a per-connection worker pool that decodes frames and dispatches them.
func (s *Server) serveConn(c net.Conn) {
	defer c.Close()
	sec := s.cfg.Sec

	if s.tlsServerConf != nil {
		s.handshakeGate <- struct{}{}
		t := tls.Server(c, s.tlsServerConf)
		_ = t.SetDeadline(time.Now().Add(sec.ReadTimeout))
		err := t.Handshake()
		<-s.handshakeGate
		if err != nil {
			s.log.Debug("TLS handshake failed", slog.String("remote", c.RemoteAddr().String()), slog.Any("err", err))
			return
		}
		_ = t.SetDeadline(time.Time{})
		c = t
	}

	r := bufio.NewReaderSize(c, sec.ReadBufSize)
	w := bufio.NewWriterSize(c, sec.WriteBufSize)

	if sec.AuthToken != "" && !s.authenticate(c, r, w) {
		return
	}

	// incoming frames are queued and processed by up to PerConnWorkers with
	// backpressure on the channel.
	jobQ := make(chan []byte, s.cfg.PerConnQueue)
	defer close(jobQ)

	var writeMu sync.Mutex
	send := func(v any) {
		out, err := cborEnc.Marshal(v)
		if err != nil {
			return
		}
		writeMu.Lock()
		_ = c.SetWriteDeadline(time.Now().Add(sec.WriteTimeout))
		_ = writeFrameBuf(w, out)
		writeMu.Unlock()
	}

	for i := 0; i < s.cfg.PerConnWorkers; i++ {
		go func() {
			for buf := range jobQ {
				s.dispatch(buf, send)
				readBufPool.put(buf)
			}
		}()
	}

	for {
		buf, err := s.readFrame(c, r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("connection closed", slog.String("remote", c.RemoteAddr().String()), slog.Any("err", err))
			}
			return
		}
		// blocks when saturated so TCP applies flow control to the sender.
		jobQ <- buf
	}
}

// readFrame reads one frame into a pooled buffer: the header within the idle
// timeout and the body within the read timeout.
func (s *Server) readFrame(c net.Conn, r *bufio.Reader) ([]byte, error) {
	sec := s.cfg.Sec
	_ = c.SetReadDeadline(time.Now().Add(sec.IdleTimeout))

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if sec.MaxFrameSize > 0 && n > sec.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	_ = c.SetReadDeadline(time.Now().Add(sec.ReadTimeout))
	buf := readBufPool.get(n)
	if _, err := io.ReadFull(r, buf); err != nil {
		readBufPool.put(buf)
		return nil, err
	}
	return buf, nil
}

// authenticate expects a Hello carrying the configured token as the first
// frame and answers it.
func (s *Server) authenticate(c net.Conn, r *bufio.Reader, w *bufio.Writer) bool {
	buf, err := s.readFrame(c, r)
	if err != nil {
		return false
	}
	defer readBufPool.put(buf)

	var h MsgHello
	if err := cborDec.Unmarshal(buf, &h); err != nil || h.T != MTHello {
		return false
	}
	ok := h.Token == s.cfg.Sec.AuthToken
	ack := MsgHelloResp{Base: Base{T: MTHelloResp, ID: h.ID}, OK: ok}
	if !ok {
		ack.Err = ErrUnauthorized.Error()
		s.log.Warn("rejected replica with bad token", slog.String("from", h.From), slog.String("remote", c.RemoteAddr().String()))
	}

	raw, _ := cborEnc.Marshal(&ack)
	_ = c.SetWriteDeadline(time.Now().Add(s.cfg.Sec.WriteTimeout))
	if err := writeFrameBuf(w, raw); err != nil {
		return false
	}
	return ok
}

func (s *Server) dispatch(buf []byte, send func(any)) {
	var base Base
	if err := cborDec.Unmarshal(buf, &base); err != nil {
		return
	}
	switch base.T {
	case MTHello:
		// no token configured: any hello is accepted
		send(&MsgHelloResp{Base: Base{T: MTHelloResp, ID: base.ID}, OK: true})
	case MTSWUpdate:
		var msg MsgSWUpdate
		if cborDec.Unmarshal(buf, &msg) != nil {
			return
		}
		ack := s.deliver(&msg.Update)
		ack.Base = Base{T: MTSWUpdateAck, ID: msg.ID}
		send(&ack)
	case MTGossip:
		var g MsgGossip
		if cborDec.Unmarshal(buf, &g) != nil {
			return
		}
		s.ingestGossip(&g)
		resp := s.gossipMsg()
		resp.ID = g.ID
		send(resp)
	default:
		s.log.Debug("unexpected message", slog.Int("type", int(base.T)))
	}
}

// deliver hands a window update to the copy machine of its type.
func (s *Server) deliver(u *cm.SWUpdate) MsgSWUpdateAck {
	if !s.lim.Allow(u.From) {
		return MsgSWUpdateAck{Code: AckRateLimited, Err: "too many window updates"}
	}
	m, ok := s.reg.Machine(u.Type)
	if !ok {
		return MsgSWUpdateAck{Code: AckNoMachine, Err: fmt.Sprintf("no copy machine of type %q", u.Type)}
	}
	err := m.HandleSWUpdate(u)
	switch {
	case err == nil:
		return MsgSWUpdateAck{OK: true}
	case errors.Is(err, cm.ErrUnknownProxy):
		return MsgSWUpdateAck{Code: AckUnknownProxy, Err: err.Error()}
	default:
		return MsgSWUpdateAck{Code: AckInvalid, Err: err.Error()}
	}
}

// gossipLoop periodically exchanges membership with every known node and
// prunes the ones silent for too long.
func (s *Server) gossipLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mem.ensure(NodeID(s.cfg.PublicURL), s.cfg.PublicURL)
			s.sendGossip()
			s.mem.pruneTombstones(time.Now().UnixNano(), s.cfg.TombstoneAfter)
			known := make(map[string]struct{})
			for _, a := range s.mem.known() {
				known[a] = struct{}{}
			}
			s.lim.forget(func(peer string) bool {
				_, ok := known[peer]
				return ok
			})
		case <-s.stop:
			return
		}
	}
}

func (s *Server) gossipMsg() *MsgGossip {
	return &MsgGossip{
		Base:  Base{T: MTGossip},
		From:  s.cfg.PublicURL,
		Seen:  s.mem.snapshot(),
		Peers: s.mem.known(),
	}
}

// sendGossip pushes this node's view to every known node and merges the
// views they answer with.
func (s *Server) sendGossip() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GossipInterval)
	defer cancel()

	var wg sync.WaitGroup
	for _, addr := range s.mem.known() {
		if addr == s.cfg.PublicURL {
			continue
		}
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			resp, err := s.tr.gossip(ctx, addr, s.gossipMsg())
			if err != nil {
				s.log.Debug("gossip failed", slog.String("peer", addr), slog.Any("err", err))
				return
			}
			s.ingestGossip(resp)
		}(addr)
	}
	wg.Wait()
}

// ingestGossip merges remote membership observations.
func (s *Server) ingestGossip(g *MsgGossip) {
	if g.From == "" || g.From == s.cfg.PublicURL {
		return
	}
	s.mem.integrate(NodeID(g.From), g.From, g.Peers, g.Seen, time.Now().UnixNano())
}
