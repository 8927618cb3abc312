package sink

import (
	"testing"
)

func TestQueuePreservesOrderWithinCapacity(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 3; i++ {
		if ok := q.Push(NewFrame(i, 1, nil, nil)); !ok {
			t.Fatalf("push %d reported eviction on a non-full queue", i)
		}
	}
	if got := q.Dropped(); got != 0 {
		t.Errorf("dropped = %d, want 0", got)
	}
	for i := 0; i < 3; i++ {
		f := <-q.Pop()
		if f.Width != i {
			t.Errorf("frame %d: width = %d, want %d", i, f.Width, i)
		}
	}
}

func TestQueueEvictsOldestWhenFull(t *testing.T) {
	q := NewQueue(2)
	released := make([]bool, 3)
	for i := 0; i < 2; i++ {
		i := i
		q.Push(NewFrame(i, 1, nil, func() { released[i] = true }))
	}

	if ok := q.Push(NewFrame(2, 1, nil, func() { released[2] = true })); ok {
		t.Error("push onto a full queue should report eviction")
	}
	if got := q.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	if !released[0] {
		t.Error("evicted frame was not released")
	}
	if released[1] || released[2] {
		t.Error("surviving frames must not be released by eviction")
	}

	first := <-q.Pop()
	second := <-q.Pop()
	if first.Width != 1 || second.Width != 2 {
		t.Errorf("surviving frames = %d, %d, want 1, 2", first.Width, second.Width)
	}
}

func TestQueueDrainReleasesEverything(t *testing.T) {
	q := NewQueue(4)
	releases := 0
	for i := 0; i < 3; i++ {
		q.Push(NewFrame(i, 1, nil, func() { releases++ }))
	}

	q.Drain()
	if releases != 3 {
		t.Errorf("releases = %d, want 3", releases)
	}
	if got := q.Len(); got != 0 {
		t.Errorf("len after drain = %d, want 0", got)
	}
}

func TestQueueClampsDepthToOne(t *testing.T) {
	q := NewQueue(0)
	q.Push(NewFrame(0, 1, nil, nil))
	if ok := q.Push(NewFrame(1, 1, nil, nil)); ok {
		t.Error("second push on a depth-1 queue should evict")
	}
	f := <-q.Pop()
	if f.Width != 1 {
		t.Errorf("surviving frame = %d, want 1", f.Width)
	}
}

func TestFrameReleaseFiresOnce(t *testing.T) {
	calls := 0
	f := NewFrame(1, 1, nil, func() { calls++ })
	f.Release()
	f.Release()
	if calls != 1 {
		t.Errorf("release calls = %d, want 1", calls)
	}
}
