package bridge

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMainLoop_RunStopNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	loop := NewMainLoop(8)
	go loop.Run()

	var wg sync.WaitGroup
	wg.Add(1)
	loop.Post(func() {
		defer wg.Done()
	})
	wg.Wait()

	loop.Stop()
	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatal("main loop did not shut down")
	}
}

func TestMainLoop_JobsRunSerializedInOrder(t *testing.T) {
	loop := NewMainLoop(8)
	go loop.Run()
	defer func() {
		loop.Stop()
		<-loop.Done()
	}()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		loop.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
}
