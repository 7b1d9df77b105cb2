package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/metric"
)

func newBuffer[T any](t *testing.T, capacity int, opts ...Option[T]) Buffer[T] {
	t.Helper()
	buf, err := NewCircularBuffer[T](capacity, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = buf.Close() })
	return buf
}

func TestCircularBuffer_InitialState(t *testing.T) {
	buf := newBuffer[int](t, 5)

	assert.Equal(t, 0, buf.Size())
	assert.Equal(t, 5, buf.Capacity())
	assert.True(t, buf.IsEmpty())
	assert.False(t, buf.IsFull())

	_, ok := buf.Read()
	assert.False(t, ok)
	_, ok = buf.Peek()
	assert.False(t, ok)
}

func TestCircularBuffer_FIFO(t *testing.T) {
	buf := newBuffer[string](t, 3)

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	require.NoError(t, buf.Write("third"))
	assert.True(t, buf.IsFull())

	head, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", head)
	assert.Equal(t, []string{"first", "second", "third"}, buf.Snapshot())
	assert.Equal(t, 3, buf.Size(), "snapshot must not consume")

	for _, want := range []string{"first", "second", "third"} {
		got, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	assert.True(t, buf.IsEmpty())
}

func TestCircularBuffer_WrapAround(t *testing.T) {
	buf := newBuffer[int](t, 3)

	for i := 0; i < 10; i++ {
		require.NoError(t, buf.Write(i))
		got, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
}

func TestCircularBuffer_OverflowPolicies(t *testing.T) {
	t.Run("drop oldest keeps last", func(t *testing.T) {
		var dropped []int
		buf := newBuffer[int](t, 3,
			WithOverflowPolicy[int](DropOldest),
			WithDropCallback(func(i int) { dropped = append(dropped, i) }))

		for i := 1; i <= 5; i++ {
			require.NoError(t, buf.Write(i))
		}

		assert.Equal(t, []int{3, 4, 5}, buf.Snapshot())
		assert.Equal(t, []int{1, 2}, dropped)
		assert.Equal(t, int64(2), buf.Stats().Snapshot().Drops)
	})

	t.Run("drop newest rejects", func(t *testing.T) {
		var dropped []int
		buf := newBuffer[int](t, 2,
			WithOverflowPolicy[int](DropNewest),
			WithDropCallback(func(i int) { dropped = append(dropped, i) }))

		require.NoError(t, buf.Write(1))
		require.NoError(t, buf.Write(2))
		err := buf.Write(3)

		assert.ErrorIs(t, err, cerrors.ErrQueueFull)
		assert.Equal(t, []int{1, 2}, buf.Snapshot())
		assert.Equal(t, []int{3}, dropped)
		assert.Equal(t, int64(1), buf.Stats().Snapshot().Overflows)
	})
}

func TestCircularBuffer_BlockUnblocksOnRead(t *testing.T) {
	buf := newBuffer[int](t, 2, WithOverflowPolicy[int](Block))
	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))

	done := make(chan error, 1)
	go func() { done <- buf.Write(3) }()

	select {
	case <-done:
		t.Fatal("write should block while the buffer is full")
	case <-time.After(30 * time.Millisecond):
	}

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after read")
	}
	assert.Equal(t, []int{2, 3}, buf.Snapshot())
}

func TestCircularBuffer_BlockWriteContextTimesOut(t *testing.T) {
	var dropped []int
	buf := newBuffer[int](t, 1,
		WithOverflowPolicy[int](Block),
		WithDropCallback(func(i int) { dropped = append(dropped, i) }))
	require.NoError(t, buf.Write(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := buf.WriteContext(ctx, 2)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, cerrors.ErrQueueFull)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, []int{2}, dropped)
	assert.Equal(t, []int{1}, buf.Snapshot())
}

func TestCircularBuffer_BlockedWriterReleasedByClose(t *testing.T) {
	buf := newBuffer[int](t, 1, WithOverflowPolicy[int](Block))
	require.NoError(t, buf.Write(1))

	done := make(chan error, 1)
	go func() { done <- buf.Write(2) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, cerrors.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not release the blocked writer")
	}
}

func TestCircularBuffer_ReadContext(t *testing.T) {
	t.Run("waits for writer", func(t *testing.T) {
		buf := newBuffer[string](t, 4)
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = buf.Write("late")
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got, err := buf.ReadContext(ctx)
		require.NoError(t, err)
		assert.Equal(t, "late", got)
	})

	t.Run("honours context", func(t *testing.T) {
		buf := newBuffer[string](t, 4)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := buf.ReadContext(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("drains after close", func(t *testing.T) {
		buf := newBuffer[int](t, 4)
		require.NoError(t, buf.Write(1))
		require.NoError(t, buf.Write(2))
		require.NoError(t, buf.Close())

		assert.ErrorIs(t, buf.Write(3), cerrors.ErrClosed)

		ctx := context.Background()
		for _, want := range []int{1, 2} {
			got, err := buf.ReadContext(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		_, err := buf.ReadContext(ctx)
		assert.True(t, errors.Is(err, cerrors.ErrClosed))
	})
}

func TestCircularBuffer_ReadBatchAndClear(t *testing.T) {
	var dropped int
	buf := newBuffer[int](t, 5, WithDropCallback(func(int) { dropped++ }))
	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Nil(t, buf.ReadBatch(0))
	assert.Equal(t, []int{0, 1}, buf.ReadBatch(2))
	assert.Equal(t, 3, buf.Clear())
	assert.Equal(t, 3, dropped)
	assert.True(t, buf.IsEmpty())

	require.NoError(t, buf.Write(7))
	assert.Equal(t, []int{7}, buf.ReadBatch(10))
}

func TestCircularBuffer_ConcurrentProducersPreserveOrder(t *testing.T) {
	type item struct{ producer, seq int }
	buf := newBuffer[item](t, 16, WithOverflowPolicy[item](Block))

	const producers, perProducer = 4, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = buf.Write(item{p, i})
			}
		}(p)
	}

	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for n := 0; n < producers*perProducer; n++ {
		it, err := buf.ReadContext(ctx)
		require.NoError(t, err)
		require.Greater(t, it.seq, last[it.producer], "per-producer FIFO violated")
		last[it.producer] = it.seq
	}
	wg.Wait()
}

func TestCircularBuffer_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	buf, err := NewCircularBuffer[int](2,
		WithOverflowPolicy[int](DropNewest),
		WithMetrics[int](registry, "queue-test"))
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)
	_ = buf.Write(3)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				found[mf.GetName()] += m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				found[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, found["talkbus_buffer_writes_total"])
	assert.Equal(t, 1.0, found["talkbus_buffer_drops_total"])
	assert.Equal(t, 2.0, found["talkbus_buffer_size"])

	require.NoError(t, buf.Close())
	assert.False(t, registry.Unregister("queue-test", "buffer_size"), "close should unregister")

	// Prefix is reusable after close
	again, err := NewCircularBuffer[int](2, WithMetrics[int](registry, "queue-test"))
	require.NoError(t, err)
	_ = again.Close()
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in   string
		want OverflowPolicy
		ok   bool
	}{
		{"", Block, true},
		{"block", Block, true},
		{"drop_oldest", DropOldest, true},
		{"drop_newest", DropNewest, true},
		{"sometimes", Block, false},
	}
	for _, tt := range tests {
		got, ok := ParseOverflowPolicy(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if ok && tt.in != "" {
			assert.Equal(t, tt.in, got.String())
		}
	}
}
