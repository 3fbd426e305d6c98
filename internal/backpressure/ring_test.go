package backpressure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testItem struct{ n int }

func (t testItem) NumBytes() int { return t.n }

func TestRingPushBlocksWhenFull(t *testing.T) {
	r := NewRing[testItem](8)
	require.NoError(t, r.Push(context.Background(), testItem{n: 8}))

	pushed := make(chan struct{})
	go func() {
		_ = r.Push(context.Background(), testItem{n: 8})
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push should have blocked while ring is at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	item, ok := r.Pull()
	require.True(t, ok)
	assert.Equal(t, 8, item.n)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push should have unblocked once a slot was drained")
	}
}

func TestRingPushRespectsContextCancellation(t *testing.T) {
	r := NewRing[testItem](1)
	require.NoError(t, r.Push(context.Background(), testItem{n: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Push(ctx, testItem{n: 1})
	assert.Error(t, err)
}

func TestRingCloseUnblocksPullAfterDrain(t *testing.T) {
	r := NewRing[testItem](100)
	require.NoError(t, r.Push(context.Background(), testItem{n: 1}))
	r.Close()

	_, ok := r.Pull()
	assert.True(t, ok, "first pull drains the item queued before Close")

	_, ok = r.Pull()
	assert.False(t, ok, "second pull observes the ring is closed and empty")
}

func TestRingFIFOOrder(t *testing.T) {
	r := NewRing[testItem](1000)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_ = r.Push(context.Background(), testItem{n: i + 1})
		}
		r.Close()
	}()
	wg.Wait()

	var got []int
	for {
		item, ok := r.Pull()
		if !ok {
			break
		}
		got = append(got, item.n)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}
