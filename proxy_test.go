package cm

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockedProxy(m *Machine, endpoint string) *Proxy {
	m.Lock()
	defer m.Unlock()
	return m.ProxyLocate(endpoint)
}

func TestProxyFencing(t *testing.T) {
	typ := newSeqType(0, 1, 0)
	opts := testOptions()
	opts.Endpoint = "p2"
	opts.Catalog = staticCatalog{"p1", "p2"}
	m := newTestMachine(t, typ, opts)
	ctx := context.Background()
	require.NoError(t, m.Setup())
	require.NoError(t, m.Prepare())
	require.NoError(t, m.PrepareDone(ctx))
	require.NoError(t, m.Ready(ctx))

	p := lockedProxy(m, "p1")
	require.NotNil(t, p)

	require.NoError(t, m.HandleSWUpdate(&SWUpdate{Type: "seq", From: "p1", Hi: ID(0, 0, 0, 5)}))
	assert.Equal(t, ID(0, 0, 0, 5), p.Window().Hi)

	// a stale update is dropped
	require.NoError(t, m.HandleSWUpdate(&SWUpdate{Type: "seq", From: "p1", Hi: ID(0, 0, 0, 3)}))
	assert.Equal(t, ID(0, 0, 0, 5), p.Window().Hi)
	// so is a duplicate
	require.NoError(t, m.HandleSWUpdate(&SWUpdate{Type: "seq", From: "p1", Lo: ID(0, 0, 0, 2), Hi: ID(0, 0, 0, 5)}))
	assert.Equal(t, SlidingWindow{Hi: ID(0, 0, 0, 5)}, p.Window())

	st := m.Stats()
	assert.EqualValues(t, 3, st.UpdatesReceived)
	assert.EqualValues(t, 2, st.UpdatesFenced)
	assert.Equal(t, 1, st.ReadyAcks)

	readyCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, m.WaitReady(readyCtx))
}

func TestProxyFencingKeepsMaximum(t *testing.T) {
	typ := newSeqType(0, 1, 0)
	opts := testOptions()
	opts.Endpoint = "p2"
	opts.Catalog = staticCatalog{"p1"}
	m := newTestMachine(t, typ, opts)
	ctx := context.Background()
	require.NoError(t, m.Setup())
	require.NoError(t, m.Prepare())
	require.NoError(t, m.PrepareDone(ctx))
	require.NoError(t, m.Ready(ctx))
	p := lockedProxy(m, "p1")

	rnd := rand.New(rand.NewSource(3))
	var max uint64
	for i := 0; i < 200; i++ {
		hi := uint64(rnd.Intn(1000) + 1)
		if hi > max {
			max = hi
		}
		require.NoError(t, m.HandleSWUpdate(&SWUpdate{From: "p1", Lo: ID(0, 0, 0, hi/2), Hi: ID(0, 0, 0, hi)}))
		require.Equal(t, ID(0, 0, 0, max), p.Window().Hi)
	}
}

func TestHandleSWUpdateRejects(t *testing.T) {
	typ := newSeqType(0, 1, 0)
	opts := testOptions()
	opts.Endpoint = "p2"
	m := newTestMachine(t, typ, opts)

	err := m.HandleSWUpdate(&SWUpdate{From: strings.Repeat("x", MaxEndpointLen+1)})
	assert.True(t, errors.Is(err, ErrEndpointTooLong))

	err = m.HandleSWUpdate(&SWUpdate{From: "nobody", Hi: ID(0, 0, 0, 1)})
	assert.True(t, errors.Is(err, ErrUnknownProxy))

	err = m.HandleSWUpdate(&SWUpdate{From: "p1", Lo: ID(0, 0, 0, 2), Hi: ID(0, 0, 0, 1)})
	assert.Error(t, err)

	err = m.HandleSWUpdate(&SWUpdate{Type: "other", From: "p1"})
	assert.Error(t, err)
}

func TestProxyAdmitParksUntilWindow(t *testing.T) {
	typ := newSeqType(0, 1, 0)
	m := newTestMachine(t, typ, testOptions())
	p := newProxy(m, "p1")
	cp := &CopyPacket{AG: &AggrGroup{ID: ID(0, 0, 0, 4)}}

	ok, err := p.Admit(cp)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, _ = p.Admit(cp)
	assert.False(t, ok)
	assert.Equal(t, 1, p.Pending())

	p.Update(SlidingWindow{Lo: ID(0, 0, 0, 1), Hi: ID(0, 0, 0, 4)})
	assert.Zero(t, p.Pending())
	ok, err = p.Admit(cp)
	require.NoError(t, err)
	assert.True(t, ok)

	// groups the replica already finalized stay admitted
	p.Update(SlidingWindow{Lo: ID(0, 0, 0, 6), Hi: ID(0, 0, 0, 7)})
	ok, err = p.Admit(&CopyPacket{AG: &AggrGroup{ID: ID(0, 0, 0, 2)}})
	require.NoError(t, err)
	assert.True(t, ok)
	cp8 := &CopyPacket{AG: &AggrGroup{ID: ID(0, 0, 0, 8)}}
	ok, _ = p.Admit(cp8)
	assert.False(t, ok)
	assert.Equal(t, 1, p.Pending())
	p.Update(SlidingWindow{Lo: ID(0, 0, 0, 6), Hi: ID(0, 0, 0, 8)})
	ok, _ = p.Admit(cp8)
	assert.True(t, ok)

	cp2 := &CopyPacket{AG: &AggrGroup{ID: ID(0, 0, 0, 9)}}
	_, _ = p.Admit(cp2)
	p.abort()
	assert.Zero(t, p.Pending())
	_, err = p.Admit(cp2)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestProxyDrainWaitsForDeliveries(t *testing.T) {
	typ := newSeqType(0, 1, 0)
	m := newTestMachine(t, typ, testOptions())
	p := newProxy(m, "p1")

	ch := make(chan error, 1)
	res := p.Track(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.Error(t, p.drain(ctx))

	ch <- nil
	assert.NoError(t, <-res)
	assert.NoError(t, p.drain(context.Background()))
}

func TestWindowPropagatesBetweenReplicas(t *testing.T) {
	net := newLocalNet()
	peers := staticCatalog{"p1", "p2"}

	o1 := testOptions()
	o1.Endpoint, o1.Transport, o1.Catalog = "p1", net, peers
	t1 := newSeqType(5, 1, 0)
	m1 := newTestMachine(t, t1, o1)

	o2 := testOptions()
	o2.Endpoint, o2.Transport, o2.Catalog = "p2", net, peers
	t2 := newSeqType(0, 1, 0)
	m2 := newTestMachine(t, t2, o2)

	net.add(m1)
	net.add(m2)
	runMachine(t, m1)
	runMachine(t, m2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m1.WaitReady(ctx))
	require.NoError(t, m2.WaitReady(ctx))
	waitComplete(t, m1)

	p := lockedProxy(m2, "p1")
	require.NotNil(t, p)
	assert.Eventually(t, func() bool {
		return p.Window().Hi == ID(0, 0, 0, 5)
	}, 5*time.Second, 10*time.Millisecond)

	// p1 replays an old window; p2 keeps the newer one
	require.NoError(t, m2.HandleSWUpdate(&SWUpdate{Type: "seq", From: "p1", Hi: ID(0, 0, 0, 3)}))
	assert.Equal(t, ID(0, 0, 0, 5), p.Window().Hi)
	assert.NotZero(t, m2.Stats().UpdatesFenced)
}

func TestFirstContactIsAnswered(t *testing.T) {
	net := newLocalNet()
	peers := staticCatalog{"p1", "p2"}

	o1 := testOptions()
	o1.Endpoint, o1.Transport, o1.Catalog = "p1", net, peers
	o1.LivenessInterval = time.Hour
	t1 := newSeqType(3, 1, 0)
	t1.release = make(chan error)
	m1 := newTestMachine(t, t1, o1)

	o2 := testOptions()
	o2.Endpoint, o2.Transport, o2.Catalog = "p2", net, peers
	o2.LivenessInterval = time.Hour
	m2 := newTestMachine(t, newSeqType(0, 1, 0), o2)

	net.add(m1)
	net.add(m2)
	// p2 has no proxies yet, so every update p1 sends now is refused
	runMachine(t, m1)
	assert.Eventually(t, func() bool { return m1.Window().Hi == ID(0, 0, 0, 3) }, 5*time.Second, 5*time.Millisecond)

	runMachine(t, m2)
	p := lockedProxy(m2, "p1")
	require.NotNil(t, p)
	assert.Eventually(t, func() bool { return p.Window().Hi == ID(0, 0, 0, 3) }, 5*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		t1.release <- nil
	}
	waitComplete(t, m1)
}
