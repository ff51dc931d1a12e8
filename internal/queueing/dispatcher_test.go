package queueing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/ztaylor54/kopf/internal/identity"
	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/testutil"
	"github.com/ztaylor54/kopf/internal/types"
)

// chanStream feeds events from a channel; closing it ends the stream with
// err, or io.EOF if err is nil.
type chanStream struct {
	ch  chan types.RawEvent
	err error
}

func newChanStream() *chanStream {
	return &chanStream{ch: make(chan types.RawEvent, 128)}
}

func (s *chanStream) Next(ctx context.Context) (types.RawEvent, error) {
	select {
	case event, ok := <-s.ch:
		if !ok {
			if s.err != nil {
				return types.RawEvent{}, s.err
			}
			return types.RawEvent{}, io.EOF
		}
		return event, nil
	case <-ctx.Done():
		return types.RawEvent{}, ctx.Err()
	}
}

// recorder tracks per-object order and concurrency of processor calls.
type recorder struct {
	mu        sync.Mutex
	delay     time.Duration
	seqs      map[string][]int
	active    map[string]int
	maxPerUID int
	live      int
	maxLive   int
}

func newRecorder(delay time.Duration) *recorder {
	return &recorder{
		delay:  delay,
		seqs:   make(map[string][]int),
		active: make(map[string]int),
	}
}

func (r *recorder) Process(ctx context.Context, event types.RawEvent, _ *primitives.Flag) error {
	uid := identity.UID(event)

	r.mu.Lock()
	r.seqs[uid] = append(r.seqs[uid], testutil.Seq(event))
	r.active[uid]++
	r.maxPerUID = max(r.maxPerUID, r.active[uid])
	r.live++
	r.maxLive = max(r.maxLive, r.live)
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.active[uid]--
	r.live--
	r.mu.Unlock()
	return nil
}

func (r *recorder) seqsOf(uid string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.seqs[uid]...)
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, seqs := range r.seqs {
		n += len(seqs)
	}
	return n
}

// testResource gives each test its own metric label values.
func testResource(t *testing.T) schema.GroupVersionResource {
	return schema.GroupVersionResource{Version: "v1", Resource: strings.ToLower(t.Name())}
}

func runDispatcher(ctx context.Context, d *Dispatcher, stream EventStream) <-chan error {
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, stream) }()
	return done
}

func waitDone(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatalf("dispatcher did not stop within %s", timeout)
		return nil
	}
}

func TestDispatcher_EndOfStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorder(0)
	d := NewDispatcher(zap.NewNop(), testResource(t), rec, fastSettings())
	stream := newChanStream()
	stream.ch <- testutil.MakeRawEvent("a", 1)
	stream.ch <- testutil.MakeRawEvent("b", 1)
	stream.ch <- testutil.MakeRawEvent("a", 2)
	close(stream.ch)

	err := waitDone(t, runDispatcher(context.Background(), d, stream), 2*time.Second)
	require.NoError(t, err)

	// Whatever was compacted, the latest event of each object is delivered.
	a := rec.seqsOf("a")
	require.NotEmpty(t, a)
	assert.Equal(t, 2, a[len(a)-1])
	assert.Equal(t, []int{1}, rec.seqsOf("b"))
}

func TestDispatcher_StreamErrorPassesThrough(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	broken := errors.New("connection reset")
	d := NewDispatcher(zap.NewNop(), testResource(t), newRecorder(0), fastSettings())
	stream := newChanStream()
	stream.err = broken
	stream.ch <- testutil.MakeRawEvent("a", 1)
	close(stream.ch)

	err := waitDone(t, runDispatcher(context.Background(), d, stream), 2*time.Second)
	assert.Same(t, broken, err)
}

func TestDispatcher_OrderedAndSequentialPerObject(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorder(2 * time.Millisecond)
	settings := fastSettings()
	settings.BatchWindow = metav1.Duration{Duration: time.Millisecond}
	d := NewDispatcher(zap.NewNop(), testResource(t), rec, settings)

	stream := newChanStream()
	uids := []string{"a", "b", "c"}
	for seq := 0; seq < 30; seq++ {
		for _, uid := range uids {
			stream.ch <- testutil.MakeRawEvent(uid, seq)
		}
	}
	close(stream.ch)

	err := waitDone(t, runDispatcher(context.Background(), d, stream), 5*time.Second)
	require.NoError(t, err)

	rec.mu.Lock()
	assert.Equal(t, 1, rec.maxPerUID, "one object must never be processed concurrently")
	rec.mu.Unlock()
	for _, uid := range uids {
		seqs := rec.seqsOf(uid)
		require.NotEmpty(t, seqs, uid)
		for i := 1; i < len(seqs); i++ {
			assert.Less(t, seqs[i-1], seqs[i], "events of %s out of order: %v", uid, seqs)
		}
		assert.Equal(t, 29, seqs[len(seqs)-1])
	}
}

func TestDispatcher_SpacedEventsAllDelivered(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorder(0)
	settings := fastSettings()
	settings.IdleTimeout = metav1.Duration{Duration: time.Second}
	d := NewDispatcher(zap.NewNop(), testResource(t), rec, settings)
	stream := newChanStream()
	done := runDispatcher(context.Background(), d, stream)

	for seq := 1; seq <= 3; seq++ {
		stream.ch <- testutil.MakeRawEvent("a", seq)
		require.Eventually(t, func() bool { return rec.calls() == seq }, time.Second, time.Millisecond)
	}
	close(stream.ch)

	require.NoError(t, waitDone(t, done, 2*time.Second))
	assert.Equal(t, []int{1, 2, 3}, rec.seqsOf("a"))
}

func TestDispatcher_WorkerLimit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := newRecorder(20 * time.Millisecond)
	settings := fastSettings()
	settings.WorkerLimit = 2
	settings.IdleTimeout = metav1.Duration{Duration: 10 * time.Millisecond}
	d := NewDispatcher(zap.NewNop(), testResource(t), rec, settings)

	stream := newChanStream()
	for i := 0; i < 6; i++ {
		stream.ch <- testutil.MakeRawEvent(fmt.Sprintf("obj-%d", i), 1)
	}
	close(stream.ch)

	require.NoError(t, waitDone(t, runDispatcher(context.Background(), d, stream), 5*time.Second))
	assert.Equal(t, 6, rec.calls())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.LessOrEqual(t, rec.maxLive, 2)
	assert.Equal(t, 2, rec.maxLive, "distinct objects are processed concurrently")
}

func TestDispatcher_BackpressureWithSingleWorker(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	idle := 100 * time.Millisecond
	var mu sync.Mutex
	started := make(map[string]time.Time)
	finished := make(map[string]time.Time)
	processor := ProcessorFunc(func(_ context.Context, event types.RawEvent, _ *primitives.Flag) error {
		uid := identity.UID(event)
		mu.Lock()
		defer mu.Unlock()
		started[uid] = time.Now()
		finished[uid] = time.Now()
		return nil
	})

	settings := fastSettings()
	settings.WorkerLimit = 1
	settings.IdleTimeout = metav1.Duration{Duration: idle}
	d := NewDispatcher(zap.NewNop(), testResource(t), processor, settings)

	stream := newChanStream()
	stream.ch <- testutil.MakeRawEvent("a", 1)
	stream.ch <- testutil.MakeRawEvent("b", 1)
	done := runDispatcher(context.Background(), d, stream)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == 2
	}, 2*time.Second, 5*time.Millisecond)
	close(stream.ch)
	require.NoError(t, waitDone(t, done, 2*time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, started["a"].Before(started["b"]))
	// b's worker is only admitted once a's worker went idle and exited.
	assert.GreaterOrEqual(t, started["b"].Sub(finished["a"]), idle-10*time.Millisecond)
}

func TestDispatcher_IdleWorkerRespawns(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	resource := testResource(t)
	rec := newRecorder(0)
	settings := fastSettings()
	settings.IdleTimeout = metav1.Duration{Duration: 20 * time.Millisecond}
	d := NewDispatcher(zap.NewNop(), resource, rec, settings)
	stream := newChanStream()
	done := runDispatcher(context.Background(), d, stream)

	stream.ch <- testutil.MakeRawEvent("a", 1)
	require.Eventually(t, func() bool {
		return promtestutil.ToFloat64(workerExitsTotal.WithLabelValues(resource.String(), "idle")) == 1
	}, time.Second, time.Millisecond)

	stream.ch <- testutil.MakeRawEvent("a", 2)
	require.Eventually(t, func() bool { return rec.calls() == 2 }, time.Second, time.Millisecond)
	close(stream.ch)
	require.NoError(t, waitDone(t, done, 2*time.Second))

	assert.Equal(t, []int{1, 2}, rec.seqsOf("a"))
	assert.Equal(t, float64(2), promtestutil.ToFloat64(workersSpawnedTotal.WithLabelValues(resource.String())))
}

func TestDispatcher_ExternalCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	entered := make(chan struct{}, 1)
	processor := ProcessorFunc(func(ctx context.Context, _ types.RawEvent, _ *primitives.Flag) error {
		entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	d := NewDispatcher(zap.NewNop(), testResource(t), processor, fastSettings())
	stream := newChanStream()
	stream.ch <- testutil.MakeRawEvent("a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d, stream)
	<-entered
	cancel()

	err := waitDone(t, done, 3*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	var unrecoverable *UnrecoverableError
	assert.False(t, errors.As(err, &unrecoverable), "a shutdown request is not a failure")
}

func TestDispatcher_BoundedShutdown(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	release := make(chan struct{})
	defer close(release)

	entered := make(chan struct{}, 2)
	processor := ProcessorFunc(func(context.Context, types.RawEvent, *primitives.Flag) error {
		entered <- struct{}{}
		<-release // never finishes on its own
		return nil
	})
	settings := fastSettings()
	settings.ExitTimeout = metav1.Duration{Duration: 50 * time.Millisecond}
	settings.CloseTimeout = metav1.Duration{Duration: 50 * time.Millisecond}
	resource := testResource(t)
	d := NewDispatcher(zap.New(core), resource, processor, settings)

	stream := newChanStream()
	stream.ch <- testutil.MakeRawEvent("a", 1)
	stream.ch <- testutil.MakeRawEvent("b", 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d, stream)
	<-entered
	<-entered

	start := time.Now()
	cancel()
	err := waitDone(t, done, 2*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	leftovers := logs.FilterMessage("Unprocessed streams left").All()
	require.Len(t, leftovers, 1)
	assert.Equal(t, int64(2), leftovers[0].ContextMap()["count"])
	assert.Equal(t, float64(2), promtestutil.ToFloat64(leftoverStreamsTotal.WithLabelValues(resource.String())))
}

func TestDispatcher_GracefulShutdownLeavesNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	core, logs := observer.New(zapcore.WarnLevel)
	rec := newRecorder(0)
	settings := fastSettings()
	settings.IdleTimeout = metav1.Duration{Duration: time.Minute}
	d := NewDispatcher(zap.New(core), testResource(t), rec, settings)

	stream := newChanStream()
	for _, uid := range []string{"a", "b", "c"} {
		stream.ch <- testutil.MakeRawEvent(uid, 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d, stream)
	require.Eventually(t, func() bool { return rec.calls() == 3 }, time.Second, time.Millisecond)

	// Workers are idle-waiting; the end markers release them long before
	// their idle timeout.
	start := time.Now()
	cancel()
	assert.ErrorIs(t, waitDone(t, done, 2*time.Second), context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 0, logs.FilterMessage("Unprocessed streams left").Len())
}

func TestDispatcher_SingleEscalation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	core, logs := observer.New(zapcore.ErrorLevel)
	var barrier sync.WaitGroup
	barrier.Add(2)
	processor := ProcessorFunc(func(_ context.Context, event types.RawEvent, _ *primitives.Flag) error {
		barrier.Done()
		barrier.Wait()
		return fmt.Errorf("handler of %s failed", identity.UID(event))
	})
	resource := testResource(t)
	d := NewDispatcher(zap.New(core), resource, processor, fastSettings())

	stream := newChanStream()
	stream.ch <- testutil.MakeRawEvent("y", 1)
	stream.ch <- testutil.MakeRawEvent("z", 1)

	err := waitDone(t, runDispatcher(context.Background(), d, stream), 3*time.Second)
	var unrecoverable *UnrecoverableError
	require.ErrorAs(t, err, &unrecoverable)
	assert.Equal(t, resource, unrecoverable.Resource)

	var workerErr *WorkerError
	require.ErrorAs(t, err, &workerErr)
	assert.Contains(t, []string{"y", "z"}, workerErr.Ref.UID)
	assert.NotErrorIs(t, err, context.Canceled)

	// Both failures are logged, only one is escalated.
	entries := logs.FilterMessage("Event processing has failed with an unrecoverable error").All()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		var resources int
		for _, field := range entry.Context {
			if field.Key == "resource" {
				resources++
			}
		}
		assert.Equal(t, 1, resources, "resource is attached once")
		assert.Equal(t, resource.String(), entry.ContextMap()["resource"])
	}
}

// endSignallingStream closes ended once the wrapped stream has ended.
type endSignallingStream struct {
	*chanStream
	ended chan struct{}
	once  sync.Once
}

func newEndSignallingStream() *endSignallingStream {
	return &endSignallingStream{chanStream: newChanStream(), ended: make(chan struct{})}
}

func (s *endSignallingStream) Next(ctx context.Context) (types.RawEvent, error) {
	event, err := s.chanStream.Next(ctx)
	if err != nil {
		s.once.Do(func() { close(s.ended) })
	}
	return event, err
}

func TestDispatcher_FailureWhileDrainingEscalates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	handlerBug := errors.New("handler bug")
	stream := newEndSignallingStream()
	processor := ProcessorFunc(func(ctx context.Context, _ types.RawEvent, _ *primitives.Flag) error {
		select {
		case <-stream.ended:
		case <-ctx.Done():
			return ctx.Err()
		}
		return handlerBug
	})
	resource := testResource(t)
	d := NewDispatcher(zap.NewNop(), resource, processor, fastSettings())

	stream.ch <- testutil.MakeRawEvent("a", 1)
	close(stream.ch)

	err := waitDone(t, runDispatcher(context.Background(), d, stream), 3*time.Second)
	var unrecoverable *UnrecoverableError
	require.ErrorAs(t, err, &unrecoverable)
	assert.Equal(t, resource, unrecoverable.Resource)

	var workerErr *WorkerError
	require.ErrorAs(t, err, &workerErr)
	assert.Equal(t, "a", workerErr.Ref.UID)
	assert.ErrorIs(t, err, handlerBug)
}

func TestDispatcher_FailureWhileDrainingSupersedesStreamError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	handlerBug := errors.New("handler bug")
	broken := errors.New("connection reset")
	stream := newEndSignallingStream()
	stream.err = broken
	processor := ProcessorFunc(func(ctx context.Context, _ types.RawEvent, _ *primitives.Flag) error {
		select {
		case <-stream.ended:
		case <-ctx.Done():
			return ctx.Err()
		}
		return handlerBug
	})
	core, logs := observer.New(zapcore.WarnLevel)
	d := NewDispatcher(zap.New(core), testResource(t), processor, fastSettings())

	stream.ch <- testutil.MakeRawEvent("a", 1)
	close(stream.ch)

	err := waitDone(t, runDispatcher(context.Background(), d, stream), 3*time.Second)
	var unrecoverable *UnrecoverableError
	require.ErrorAs(t, err, &unrecoverable)
	assert.ErrorIs(t, err, handlerBug)
	assert.NotErrorIs(t, err, broken)
	assert.Equal(t, 1, logs.FilterMessage("Stream error superseded by a worker failure").Len())
}

func TestDispatcher_EscalateKeepsCancellation(t *testing.T) {
	d := NewDispatcher(zap.NewNop(), testResource(t), newRecorder(0), fastSettings())
	late := errors.New("late failure")

	assert.Equal(t, context.Canceled, d.escalate(context.Canceled, late))
	assert.Equal(t, context.DeadlineExceeded, d.escalate(context.DeadlineExceeded, late))
	assert.NoError(t, d.escalate(nil, nil))

	first := &UnrecoverableError{Resource: d.resource, Err: errors.New("first")}
	assert.Same(t, first, d.escalate(first, late))

	var unrecoverable *UnrecoverableError
	require.ErrorAs(t, d.escalate(nil, late), &unrecoverable)
	assert.ErrorIs(t, unrecoverable, late)
}

func TestDispatcher_WorkersLiveGauge(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	resource := testResource(t)
	live := workersLive.WithLabelValues(resource.String())
	release := make(chan struct{})
	processor := ProcessorFunc(func(context.Context, types.RawEvent, *primitives.Flag) error {
		<-release
		return nil
	})
	settings := fastSettings()
	settings.IdleTimeout = metav1.Duration{Duration: 20 * time.Millisecond}
	d := NewDispatcher(zap.NewNop(), resource, processor, settings)
	stream := newChanStream()
	done := runDispatcher(context.Background(), d, stream)

	stream.ch <- testutil.MakeRawEvent("a", 1)
	stream.ch <- testutil.MakeRawEvent("b", 1)
	require.Eventually(t, func() bool { return promtestutil.ToFloat64(live) == 2 }, time.Second, time.Millisecond)

	// Idle workers exit while the dispatcher keeps running.
	close(release)
	require.Eventually(t, func() bool { return promtestutil.ToFloat64(live) == 0 }, time.Second, time.Millisecond)

	close(stream.ch)
	require.NoError(t, waitDone(t, done, 2*time.Second))
	assert.Equal(t, float64(0), promtestutil.ToFloat64(live))
}

func TestDispatcher_PanicEscalates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	processor := ProcessorFunc(func(context.Context, types.RawEvent, *primitives.Flag) error {
		panic("nil map")
	})
	d := NewDispatcher(zap.NewNop(), testResource(t), processor, fastSettings())
	stream := newChanStream()
	stream.ch <- testutil.MakeRawEvent("a", 1)

	err := waitDone(t, runDispatcher(context.Background(), d, stream), 3*time.Second)
	var unrecoverable *UnrecoverableError
	require.ErrorAs(t, err, &unrecoverable)
	assert.Contains(t, err.Error(), "nil map")
}

func TestDispatcher_AdmissionInterruptedByCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	core, logs := observer.New(zapcore.WarnLevel)
	entered := make(chan struct{}, 1)
	processor := ProcessorFunc(func(ctx context.Context, _ types.RawEvent, _ *primitives.Flag) error {
		entered <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	})
	settings := fastSettings()
	settings.WorkerLimit = 1
	d := NewDispatcher(zap.New(core), testResource(t), processor, settings)

	stream := newChanStream()
	stream.ch <- testutil.MakeRawEvent("a", 1)
	stream.ch <- testutil.MakeRawEvent("b", 1) // admission blocks
	ctx, cancel := context.WithCancel(context.Background())
	done := runDispatcher(ctx, d, stream)
	<-entered
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, waitDone(t, done, 3*time.Second), context.Canceled)
	// b never got a worker, so its stream is not reported as a leftover; a's
	// worker stays blocked until the pool closes.
	for _, entry := range logs.FilterMessage("Unprocessed streams left").All() {
		assert.Equal(t, []interface{}{"a"}, entry.ContextMap()["uids"])
	}
}
