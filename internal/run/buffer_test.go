package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/getleon/leon/pkg/api/v1"
)

func textEvent(s string) v1.RunEvent {
	return v1.RunEvent{EventType: v1.EventText, Data: []byte(`{"text":"` + s + `"}`)}
}

func TestBuffer_PutStampsSequence(t *testing.T) {
	buf := NewBuffer("th-1", "run-1", 8)

	first := buf.Put(textEvent("a"))
	second := buf.Put(textEvent("b"))

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, "th-1", first.ThreadID)
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, int64(2), buf.LastSeq())
	assert.Equal(t, int64(3), buf.NextSeq())
}

func TestBuffer_SubscribeReplaysThenTails(t *testing.T) {
	buf := NewBuffer("th-1", "run-1", 8)
	buf.Put(textEvent("a"))
	buf.Put(textEvent("b"))
	buf.Put(textEvent("c"))

	sub := buf.Subscribe(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	evt, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), evt.Seq)

	evt, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), evt.Seq)

	go func() {
		time.Sleep(20 * time.Millisecond)
		buf.Put(textEvent("d"))
	}()
	evt, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), evt.Seq)
}

func TestBuffer_SubscribeBeyondTailWaits(t *testing.T) {
	buf := NewBuffer("th-1", "run-1", 8)
	buf.Put(textEvent("a"))

	sub := buf.Subscribe(100)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuffer_OverflowDropsOldest(t *testing.T) {
	buf := NewBuffer("th-1", "run-1", 4)
	for i := 0; i < 6; i++ {
		buf.Put(textEvent("x"))
	}

	// Ring holds seq 3..6; a reader still inside the window replays it.
	sub := buf.Subscribe(2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for want := int64(3); want <= 6; want++ {
		evt, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, evt.Seq)
	}
}

func TestBuffer_LaggedSubscriber(t *testing.T) {
	buf := NewBuffer("th-1", "run-1", 4)
	for i := 0; i < 10; i++ {
		buf.Put(textEvent("x"))
	}

	sub := buf.Subscribe(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, ErrLagged)

	// A fresh subscription inside the window recovers.
	sub = buf.Subscribe(6)
	evt, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), evt.Seq)
}

func TestBuffer_CloseWakesSubscriber(t *testing.T) {
	buf := NewBuffer("th-1", "run-1", 4)
	sub := buf.Subscribe(0)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := sub.Next(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	buf.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrBufferClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not woken by Close")
	}
}

func TestBuffer_CancelledContextWakesSubscriber(t *testing.T) {
	buf := NewBuffer("th-1", "run-1", 4)
	sub := buf.Subscribe(0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not woken by context cancel")
	}
}

func TestBuffer_CloseDeliversRemaining(t *testing.T) {
	buf := NewBuffer("th-1", "run-1", 8)
	buf.Put(textEvent("a"))
	buf.Put(textEvent("b"))
	buf.Close()

	sub := buf.Subscribe(0)
	ctx := context.Background()

	evt, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), evt.Seq)

	evt, err = sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), evt.Seq)

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, ErrBufferClosed)
}

func TestBuffer_MultipleSubscribersSeeSameOrder(t *testing.T) {
	buf := NewBuffer("th-1", "run-1", 64)

	subs := []*Subscription{buf.Subscribe(0), buf.Subscribe(0), buf.Subscribe(0)}
	done := make(chan []int64, len(subs))
	for _, sub := range subs {
		go func(sub *Subscription) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var seqs []int64
			for {
				evt, err := sub.Next(ctx)
				if err != nil {
					done <- seqs
					return
				}
				seqs = append(seqs, evt.Seq)
			}
		}(sub)
	}

	for i := 0; i < 20; i++ {
		buf.Put(textEvent("x"))
	}
	buf.Close()

	for range subs {
		seqs := <-done
		require.Len(t, seqs, 20)
		for i, seq := range seqs {
			assert.Equal(t, int64(i+1), seq)
		}
	}
}
