package observable

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func iterator[T any](item []T) chan T {
	ch := make(chan T)
	go func() {
		time.Sleep(100 * time.Millisecond)
		for _, elm := range item {
			ch <- elm
		}
		close(ch)
	}()
	return ch
}

func TestObservable(t *testing.T) {
	iter := iterator([]int{1, 2, 3, 4, 5})
	src := NewObservable[int](iter)
	data, err := src.Subscribe()
	assert.Nil(t, err)
	count := 0
	for range data {
		count++
	}
	assert.Equal(t, 5, count)
}

func TestObservable_MultiSubscribe(t *testing.T) {
	iter := iterator([]int{1, 2, 3, 4, 5})
	src := NewObservable[int](iter)
	ch1, _ := src.Subscribe()
	ch2, _ := src.Subscribe()

	var (
		mu    sync.Mutex
		count int
		wg    sync.WaitGroup
	)
	wg.Add(2)
	waitCh := func(ch <-chan int) {
		for range ch {
			mu.Lock()
			count++
			mu.Unlock()
		}
		wg.Done()
	}
	go waitCh(ch1)
	go waitCh(ch2)
	wg.Wait()
	assert.Equal(t, 10, count)
}

func TestObservable_UnSubscribe(t *testing.T) {
	iter := iterator([]int{1, 2, 3, 4, 5})
	src := NewObservable[int](iter)
	data, err := src.Subscribe()
	assert.Nil(t, err)
	src.UnSubscribe(data)
	_, open := <-data
	assert.False(t, open)
}

func TestObservable_SubscribeClosedSource(t *testing.T) {
	iter := iterator([]int{1})
	src := NewObservable[int](iter)
	data, _ := src.Subscribe()
	<-data
	// drain until the source closes the subscription
	for range data {
	}

	_, closed := src.Subscribe()
	assert.NotNil(t, closed)
}

func TestObservable_SlowSubscriberDoesNotBlock(t *testing.T) {
	ch := make(chan int)
	src := NewObservable[int](ch)
	slow, _ := src.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			ch <- i
		}
		close(ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a slow subscriber")
	}

	count := 0
	for range slow {
		count++
	}
	assert.LessOrEqual(t, count, 200)
}
