package multi

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/engine/enginetest"
	"github.com/italolelis/netxfer/internal/fault"
)

type owner struct {
	results chan error
}

func newOwner() *owner {
	return &owner{results: make(chan error, 2)}
}

func (o *owner) Finished(err error) {
	o.results <- err
}

func (o *owner) wait(t *testing.T) error {
	t.Helper()

	select {
	case err := <-o.results:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("owner was not notified")
		return nil
	}
}

func (o *owner) assertNoMore(t *testing.T) {
	t.Helper()

	select {
	case err := <-o.results:
		t.Fatalf("owner notified twice, second result: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func newCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()

	c := New(opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = c.Close()
	})

	return c
}

// blockingEasy blocks in Step until released.
type blockingEasy struct {
	engine.Stats

	entered chan struct{}
	release chan struct{}
	active  *atomic.Int32
	peak    *atomic.Int32
}

func newBlockingEasy(active, peak *atomic.Int32) *blockingEasy {
	return &blockingEasy{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		active:  active,
		peak:    peak,
	}
}

func (b *blockingEasy) SetOption(engine.Option, any) error { return nil }
func (b *blockingEasy) Close() error                       { return nil }

func (b *blockingEasy) Step(ctx context.Context) (bool, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)

	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}

	b.entered <- struct{}{}

	select {
	case <-b.release:
		return true, nil
	case <-ctx.Done():
		return true, engine.Classify(ctx.Err(), fault.CodeAbortedByCallback)
	}
}

type panicEasy struct {
	engine.Stats
}

func (*panicEasy) SetOption(engine.Option, any) error { return nil }
func (*panicEasy) Close() error                       { return nil }
func (*panicEasy) Step(context.Context) (bool, error) { panic("boom") }

func TestCoordinator_FinishesOnce(t *testing.T) {
	c := newCoordinator(t)

	e := enginetest.New(enginetest.Script{
		Headers:      []string{"HTTP/1.1 200 OK", ""},
		Body:         [][]byte{[]byte("hel"), []byte("lo")},
		ResponseCode: 200,
	})
	require.NoError(t, e.SetOption(engine.OptWriteFunc, func([]byte) error { return nil }))

	o := newOwner()
	require.NoError(t, c.Add(t.Context(), e, o))

	assert.NoError(t, o.wait(t))
	o.assertNoMore(t)
	assert.Equal(t, 3, e.Steps())
	assert.Eventually(t, func() bool { return c.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCoordinator_PropagatesEngineError(t *testing.T) {
	c := newCoordinator(t)

	want := fault.Transfer(fault.CodeRecvError, errors.New("reset")).WithResponseCode(200)
	e := enginetest.New(enginetest.Script{Headers: []string{"HTTP/1.1 200 OK", ""}, Body: [][]byte{[]byte("x")}, Err: want})
	require.NoError(t, e.SetOption(engine.OptWriteFunc, func([]byte) error { return nil }))

	o := newOwner()
	require.NoError(t, c.Add(t.Context(), e, o))

	assert.Same(t, want, o.wait(t))
}

func TestCoordinator_AddErrors(t *testing.T) {
	c := New()

	assert.ErrorIs(t, c.Add(t.Context(), nil, newOwner()), fault.Multi(fault.MultiBadEasyHandle))
	assert.ErrorIs(t, c.Add(t.Context(), enginetest.New(enginetest.Script{}), nil), fault.Multi(fault.MultiBadEasyHandle))

	e := enginetest.New(enginetest.Script{})
	o := newOwner()
	require.NoError(t, c.Add(t.Context(), e, o))
	assert.ErrorIs(t, c.Add(t.Context(), e, o), fault.Multi(fault.MultiAddedAlready))
	assert.Equal(t, 1, c.Running())

	require.NoError(t, c.Close())
	assert.Error(t, o.wait(t))

	assert.ErrorIs(t, c.Add(t.Context(), enginetest.New(enginetest.Script{}), newOwner()), fault.Multi(fault.MultiBadHandle))
	assert.ErrorIs(t, c.Remove(e), fault.Multi(fault.MultiBadHandle))
	assert.ErrorIs(t, c.Close(), fault.Multi(fault.MultiBadHandle))
}

func TestCoordinator_RemoveUnknown(t *testing.T) {
	c := newCoordinator(t)

	err := c.Remove(enginetest.New(enginetest.Script{}))
	assert.ErrorIs(t, err, fault.Multi(fault.MultiBadEasyHandle))
	assert.True(t, fault.IsMulti(err))
}

func TestCoordinator_RemoveAbortsEngine(t *testing.T) {
	c := newCoordinator(t)

	var active, peak atomic.Int32

	e := newBlockingEasy(&active, &peak)
	o := newOwner()
	require.NoError(t, c.Add(t.Context(), e, o))

	<-e.entered
	require.NoError(t, c.Remove(e))

	assert.ErrorIs(t, o.wait(t), fault.ErrAborted)
	o.assertNoMore(t)
	assert.Equal(t, 0, c.Running())
}

func TestCoordinator_CloseNotifiesEveryOwner(t *testing.T) {
	c := New(WithMaxConcurrent(1))

	var active, peak atomic.Int32

	running := newBlockingEasy(&active, &peak)
	queued := newBlockingEasy(&active, &peak)
	notStarted := enginetest.New(enginetest.Script{})

	owners := []*owner{newOwner(), newOwner(), newOwner()}

	require.NoError(t, c.Add(t.Context(), running, owners[0]))
	require.NoError(t, c.Add(t.Context(), queued, owners[1]))
	c.Perform()
	<-running.entered

	require.NoError(t, c.Add(t.Context(), notStarted, owners[2]))
	require.NoError(t, c.Close())

	for _, o := range owners {
		err := o.wait(t)
		assert.ErrorIs(t, err, fault.ErrBadHandle)
		assert.True(t, fault.IsMulti(err))
		o.assertNoMore(t)
	}

	assert.Zero(t, notStarted.Steps())
}

func TestCoordinator_MaxConcurrent(t *testing.T) {
	c := newCoordinator(t, WithMaxConcurrent(1))

	var active, peak atomic.Int32

	first := newBlockingEasy(&active, &peak)
	second := newBlockingEasy(&active, &peak)
	o1, o2 := newOwner(), newOwner()

	require.NoError(t, c.Add(t.Context(), first, o1))
	require.NoError(t, c.Add(t.Context(), second, o2))

	var started, waiting *blockingEasy

	select {
	case <-first.entered:
		started, waiting = first, second
	case <-second.entered:
		started, waiting = second, first
	case <-time.After(5 * time.Second):
		t.Fatal("no engine started")
	}

	select {
	case <-waiting.entered:
		t.Fatal("second engine started while the slot was taken")
	case <-time.After(50 * time.Millisecond):
	}

	close(started.release)
	<-waiting.entered
	close(waiting.release)

	assert.NoError(t, o1.wait(t))
	assert.NoError(t, o2.wait(t))
	assert.Equal(t, int32(1), peak.Load())
}

func TestCoordinator_RecoversEnginePanic(t *testing.T) {
	c := newCoordinator(t)

	o := newOwner()
	require.NoError(t, c.Add(t.Context(), &panicEasy{}, o))

	err := o.wait(t)
	assert.ErrorIs(t, err, fault.Multi(fault.MultiInternalError))
	assert.Contains(t, err.Error(), "engine panic: boom")
}

func TestCoordinator_AddContextCancellation(t *testing.T) {
	c := newCoordinator(t)

	var active, peak atomic.Int32

	ctx, cancel := context.WithCancel(t.Context())
	e := newBlockingEasy(&active, &peak)
	o := newOwner()
	require.NoError(t, c.Add(ctx, e, o))

	<-e.entered
	cancel()

	assert.ErrorIs(t, o.wait(t), fault.ErrAborted)
}

func TestCoordinator_RunStopsWithContext(t *testing.T) {
	c := New()
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)

	go func() { errc <- c.Run(ctx) }()

	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestShared(t *testing.T) {
	assert.Same(t, Shared(), Shared())

	o := newOwner()
	require.NoError(t, Shared().Add(t.Context(), enginetest.New(enginetest.Script{ResponseCode: 200}), o))
	assert.NoError(t, o.wait(t))
}
