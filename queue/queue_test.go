package queue

import (
	"sync"
	"testing"
)

func Test_EnqueueDequeue_PreservesFIFOOrder(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(i, nil); err != nil {
			t.Fatalf("Enqueue(%d): %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		v, err := q.Dequeue(nil)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if v != i {
			t.Fatalf("Dequeue() = %d, want %d (FIFO order)", v, i)
		}
	}
}

func Test_Enqueue_BlocksOnFullUntilDequeued(t *testing.T) {
	q := New[int](2)
	if err := q.Enqueue(1, nil); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(2, nil); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		if err := q.Enqueue(3, nil); err != nil {
			t.Error(err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Enqueue on a full queue returned before any room was made")
	default:
	}

	if _, err := q.Dequeue(nil); err != nil {
		t.Fatal(err)
	}
	<-done
}

func Test_Enqueue_RespectsCancellation(t *testing.T) {
	q := New[int](1)
	if err := q.Enqueue(1, nil); err != nil {
		t.Fatal(err)
	}
	cancelled := func() bool { return true }
	if err := q.Enqueue(2, cancelled); err == nil {
		t.Fatalf("expected Cancelled error on a full queue with cancelled()==true")
	}
}

func Test_Dequeue_RespectsCancellation(t *testing.T) {
	q := New[int](4)
	cancelled := func() bool { return true }
	if _, err := q.Dequeue(cancelled); err == nil {
		t.Fatalf("expected Cancelled error on an empty queue with cancelled()==true")
	}
}

func Test_ConcurrentProducers_AllItemsDelivered(t *testing.T) {
	q := New[int](64)
	const numProducers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := q.Enqueue(base*perProducer+i, nil); err != nil {
					t.Error(err)
				}
			}
		}(p)
	}

	total := numProducers * perProducer
	seen := make(map[int]bool, total)
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			v, err := q.Dequeue(nil)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}
		close(done)
	}()

	wg.Wait()
	<-done
	if len(seen) != total {
		t.Fatalf("delivered %d distinct items, want %d", len(seen), total)
	}
}
