package cluster

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cm "github.com/unkn0wn-root/copymachine"
)

// idleType never produces work; it only exchanges windows.
type idleType struct{}

func (idleType) Setup(*cm.Machine) error   { return nil }
func (idleType) Prepare(*cm.Machine) error { return nil }
func (idleType) Start(*cm.Machine) error   { return nil }
func (idleType) Stop(*cm.Machine) error    { return nil }
func (idleType) Fini(*cm.Machine)          {}
func (idleType) AllocGroup(*cm.Machine, cm.AggrGroupID, bool) (*cm.AggrGroup, error) {
	return nil, cm.ErrNoData
}
func (idleType) AllocPacket(*cm.Machine) (*cm.CopyPacket, error) { return nil, cm.ErrNoBuffers }
func (idleType) DataNext(*cm.Machine, *cm.CopyPacket) error      { return cm.ErrNoData }
func (idleType) NextGroupID(*cm.Machine, cm.AggrGroupID) (cm.AggrGroupID, error) {
	return cm.AggrGroupID{}, cm.ErrNoData
}
func (idleType) HasSpace(*cm.Machine, cm.AggrGroupID) bool { return false }
func (idleType) SWUpdateMessage(*cm.Machine, cm.SlidingWindow, string) *cm.SWUpdate {
	return nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() Config {
	cfg := Default()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.GossipInterval = 20 * time.Millisecond
	cfg.SuspicionAfter = time.Second
	cfg.Sec.SendTimeout = time.Second
	return cfg
}

type node struct {
	reg *cm.Registry
	tr  *Transport
	srv *Server
}

// startNode runs a server and transport with an "idle" copy machine type
// registered.
func startNode(t *testing.T, cfg Config) *node {
	t.Helper()
	reg := cm.NewRegistry(discard())
	if err := reg.Register(&cm.Type{Name: "idle", New: func() cm.CopyMachineBehavior { return idleType{} }}); err != nil {
		t.Fatalf("register: %v", err)
	}
	tr, err := NewTransport(cfg, discard())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	srv, err := NewServer(cfg, reg, tr, discard())
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		_ = tr.Close()
		_ = reg.Close()
	})
	return &node{reg: reg, tr: tr, srv: srv}
}

// readyMachine builds the node's machine and takes it to READY against the
// given peers.
func (n *node) readyMachine(t *testing.T, catalog cm.Catalog) *cm.Machine {
	t.Helper()
	opts := cm.DefaultOptions()
	opts.Endpoint = n.srv.PublicURL()
	opts.Transport = n.tr
	opts.Catalog = catalog
	opts.Logger = discard()
	opts.Metrics = cm.NewMetrics(prometheus.NewRegistry())
	opts.LivenessInterval = 30 * time.Millisecond
	m, err := n.reg.NewMachine("idle", opts)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := m.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := m.PrepareDone(ctx); err != nil {
		t.Fatalf("prepare done: %v", err)
	}
	if err := m.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	return m
}

type staticPeers []string

func (s staticPeers) Peers(context.Context) ([]string, error) { return s, nil }

func eventually(t *testing.T, within time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out: %s", msg)
}
