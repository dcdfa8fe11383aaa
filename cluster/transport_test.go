package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	cm "github.com/unkn0wn-root/copymachine"
)

func TestMachinesExchangeWindows(t *testing.T) {
	a := startNode(t, testConfig())
	b := startNode(t, testConfig())

	ma := a.readyMachine(t, staticPeers{b.srv.PublicURL()})
	mb := b.readyMachine(t, staticPeers{a.srv.PublicURL()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ma.WaitReady(ctx); err != nil {
		t.Fatalf("a not ready: %v", err)
	}
	if err := mb.WaitReady(ctx); err != nil {
		t.Fatalf("b not ready: %v", err)
	}

	eventually(t, 5*time.Second, func() bool {
		st := mb.Stats()
		return st.UpdatesReceived > 0
	}, "b never received an update from a")
}

func TestSendToUnknownType(t *testing.T) {
	srv := startNode(t, testConfig())
	cli := startNode(t, testConfig())

	ctx := context.Background()
	c, err := cli.tr.Connect(ctx, srv.srv.PublicURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	err = <-c.Send(ctx, &cm.SWUpdate{Type: "missing", From: cli.srv.PublicURL(), Hi: cm.ID(0, 0, 0, 1)})
	if !errors.Is(err, ErrRejected) || !errors.Is(err, cm.ErrTypeNotFound) {
		t.Fatalf("expected rejection for unknown type, got %v", err)
	}
}

func TestSendFromUnknownReplica(t *testing.T) {
	srv := startNode(t, testConfig())
	cli := startNode(t, testConfig())
	srv.readyMachine(t, staticPeers{"127.0.0.1:1"})

	ctx := context.Background()
	c, err := cli.tr.Connect(ctx, srv.srv.PublicURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	err = <-c.Send(ctx, &cm.SWUpdate{Type: "idle", From: cli.srv.PublicURL(), Hi: cm.ID(0, 0, 0, 1)})
	if !errors.Is(err, cm.ErrUnknownProxy) {
		t.Fatalf("expected unknown proxy, got %v", err)
	}

	// connection survives application errors
	err = <-c.Send(ctx, &cm.SWUpdate{Type: "idle", From: "127.0.0.1:1", Hi: cm.ID(0, 0, 0, 2)})
	if err != nil {
		t.Fatalf("send from known replica: %v", err)
	}
}

func TestHelloAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Sec.AuthToken = "s3cret"
	srv := startNode(t, cfg)

	bad := testConfig()
	bad.Sec.AuthToken = "wrong"
	tr, err := NewTransport(bad, discard())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer tr.Close()
	if _, err := tr.Connect(context.Background(), srv.srv.PublicURL()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	good, err := NewTransport(cfg, discard())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer good.Close()
	c, err := good.Connect(context.Background(), srv.srv.PublicURL())
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	err = <-c.Send(context.Background(), &cm.SWUpdate{Type: "missing"})
	if !errors.Is(err, cm.ErrTypeNotFound) {
		t.Fatalf("authenticated send: %v", err)
	}
}

func TestTokenAgainstOpenServer(t *testing.T) {
	srv := startNode(t, testConfig())
	cfg := testConfig()
	cfg.Sec.AuthToken = "s3cret"
	tr, err := NewTransport(cfg, discard())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer tr.Close()
	if _, err := tr.Connect(context.Background(), srv.srv.PublicURL()); err != nil {
		t.Fatalf("open server should accept any hello: %v", err)
	}
}

func TestInboundRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Sec.UpdateQPS = 1
	cfg.Sec.UpdateBurst = 1
	srv := startNode(t, cfg)
	cli := startNode(t, testConfig())

	ctx := context.Background()
	c, err := cli.tr.Connect(ctx, srv.srv.PublicURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	msg := &cm.SWUpdate{Type: "missing", From: "x"}
	if err := <-c.Send(ctx, msg); errors.Is(err, ErrRateLimited) {
		t.Fatalf("first update limited")
	}
	if err := <-c.Send(ctx, msg); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
}

func TestClosedHandles(t *testing.T) {
	srv := startNode(t, testConfig())
	tr, err := NewTransport(testConfig(), discard())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	c, err := tr.Connect(context.Background(), srv.srv.PublicURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = c.Close()
	if err := <-c.Send(context.Background(), &cm.SWUpdate{}); !errors.Is(err, cm.ErrClosed) {
		t.Fatalf("send on closed handle: %v", err)
	}

	_ = tr.Close()
	if _, err := tr.Connect(context.Background(), srv.srv.PublicURL()); !errors.Is(err, ErrClosed) {
		t.Fatalf("connect on closed transport: %v", err)
	}
}

func TestRedialAfterPeerDrop(t *testing.T) {
	srv := startNode(t, testConfig())
	tr, err := NewTransport(testConfig(), discard())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer tr.Close()

	ctx := context.Background()
	pc, err := tr.ensurePeer(ctx, srv.srv.PublicURL())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	pc.close()

	again, err := tr.ensurePeer(ctx, srv.srv.PublicURL())
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	if again == pc {
		t.Fatalf("closed connection was reused")
	}
}

func TestConnectUnreachable(t *testing.T) {
	tr, err := NewTransport(testConfig(), discard())
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Connect(ctx, "127.0.0.1:1"); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestAckError(t *testing.T) {
	cases := []struct {
		ack  MsgSWUpdateAck
		want error
	}{
		{MsgSWUpdateAck{OK: true}, nil},
		{MsgSWUpdateAck{Code: AckNoMachine, Err: "x"}, cm.ErrTypeNotFound},
		{MsgSWUpdateAck{Code: AckUnknownProxy, Err: "x"}, cm.ErrUnknownProxy},
		{MsgSWUpdateAck{Code: AckRateLimited, Err: "x"}, ErrRateLimited},
		{MsgSWUpdateAck{Code: AckInvalid, Err: "bad window"}, ErrRejected},
	}
	for _, tc := range cases {
		err := ackError(&tc.ack)
		if tc.want == nil {
			if err != nil {
				t.Fatalf("ok ack produced %v", err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %d: got %v, want %v", tc.ack.Code, err, tc.want)
		}
	}
	if needsRedial(ackError(&MsgSWUpdateAck{Code: AckInvalid})) {
		t.Fatalf("rejection must not reset the connection")
	}
	if errors.Is(ackError(&MsgSWUpdateAck{Code: AckRateLimited}), ErrRejected) {
		t.Fatalf("throttled update reported as rejected")
	}
	var ue *UpdateError
	if err := ackError(&MsgSWUpdateAck{Code: AckUnknownProxy, Err: "x"}); !errors.As(err, &ue) || ue.Code != AckUnknownProxy {
		t.Fatalf("code lost: %v", err)
	}
}

func TestNeedsRedial(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrTimeout, false},
		{fmt.Errorf("peer: %w", ErrTimeout), false},
		{&UpdateError{Code: AckInvalid}, false},
		{ErrPeerClosed, true},
		{io.EOF, true},
		{net.ErrClosed, true},
		{syscall.ECONNRESET, true},
		{errors.New("other"), false},
	}
	for _, tc := range cases {
		if got := needsRedial(tc.err); got != tc.want {
			t.Fatalf("needsRedial(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
