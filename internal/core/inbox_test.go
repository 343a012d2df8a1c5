package core

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbox_PreservesOrder(t *testing.T) {
	in := NewInbox[int]()
	for i := 0; i < 5; i++ {
		require.True(t, in.Push(i))
	}
	select {
	case <-in.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready not signalled")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, in.Drain())
	assert.Equal(t, 0, in.Len())
}

func TestInbox_RejectsAfterClose(t *testing.T) {
	in := NewInbox[string]()
	in.Push("a")
	rest := in.Close()
	assert.Equal(t, []string{"a"}, rest)
	assert.False(t, in.Push("b"))
}

func TestInbox_NoLostWakeups(t *testing.T) {
	in := NewInbox[int]()
	const producers, each = 8, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				in.Push(i)
			}
		}()
	}

	got := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	deadline := time.After(5 * time.Second)
	for got < producers*each {
		select {
		case <-in.Ready():
			got += len(in.Drain())
		case <-deadline:
			t.Fatalf("received %d of %d", got, producers*each)
		}
	}
	<-done
	assert.Equal(t, producers*each, got)
}

func TestDispatcher_DeliversInOrderWithoutBlockingPush(t *testing.T) {
	release := make(chan struct{})
	got := make(chan int, 10)
	d := NewDispatcher(func(v int) {
		<-release
		got <- v
	})
	defer d.Close()

	pushed := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Push(i)
		}
		close(pushed)
	}()
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a slow listener")
	}

	close(release)
	for i := 0; i < 5; i++ {
		select {
		case v := <-got:
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("value %d not delivered", i)
		}
	}
}

func TestDispatcher_CloseStopsDelivery(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	d := NewDispatcher(func(v string) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})
	d.Push("a")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	d.Close()
	d.Close()
	d.Push("b")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, got)
}
