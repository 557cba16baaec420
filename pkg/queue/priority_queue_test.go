package queue

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/politecrawler/pkg/models"
)

// testLogger returns a logger entry that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestReferenceQueue_AddAndPop(t *testing.T) {
	q := NewReferenceQueue(testLogger())
	if q.Len() != 0 {
		t.Errorf("New queue Len() = %d, want 0", q.Len())
	}

	q.Add(models.NewReference("http://example.com", 0))
	if q.Len() != 1 {
		t.Errorf("After Add, Len() = %d, want 1", q.Len())
	}

	ref, ok := q.Pop()
	if !ok {
		t.Fatal("Pop() returned ok=false, want true")
	}
	if ref.URL != "http://example.com" {
		t.Errorf("Pop() URL = %q, want %q", ref.URL, "http://example.com")
	}
	if q.Len() != 0 {
		t.Errorf("After Pop, Len() = %d, want 0", q.Len())
	}
}

func TestReferenceQueue_DepthOrdering(t *testing.T) {
	q := NewReferenceQueue(testLogger())

	q.Add(models.NewReference("depth2", 2))
	q.Add(models.NewReference("depth0", 0))
	q.Add(models.NewReference("depth1-a", 1))
	q.Add(models.NewReference("depth3", 3))
	q.Add(models.NewReference("depth1-b", 1))

	expectedOrder := []string{"depth0", "depth1-a", "depth1-b", "depth2", "depth3"}
	for i, expected := range expectedOrder {
		ref, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() #%d returned ok=false", i)
		}
		if ref.URL != expected {
			t.Errorf("Pop() #%d URL = %q, want %q", i, ref.URL, expected)
		}
	}
}

func TestReferenceQueue_FIFOWithinDepth(t *testing.T) {
	q := NewReferenceQueue(testLogger())
	urls := []string{"a", "b", "c", "d", "e", "f"}
	for _, u := range urls {
		q.Add(models.NewReference(u, 1))
	}
	for i, want := range urls {
		ref, _ := q.Pop()
		if ref.URL != want {
			t.Errorf("Pop() #%d URL = %q, want %q", i, ref.URL, want)
		}
	}
}

func TestReferenceQueue_CloseWithItems(t *testing.T) {
	q := NewReferenceQueue(testLogger())
	q.Add(models.NewReference("a", 0))
	q.Close()
	q.Close() // Double close is safe

	if _, ok := q.Pop(); !ok {
		t.Error("Pop() after Close should return existing items")
	}
	if ref, ok := q.Pop(); ok || ref != nil {
		t.Error("Pop() on closed empty queue should return nil, false")
	}

	q.Add(models.NewReference("late", 0))
	if q.Len() != 0 {
		t.Errorf("Add after Close: Len() = %d, want 0", q.Len())
	}
}

func TestReferenceQueue_PopBlocks(t *testing.T) {
	q := NewReferenceQueue(testLogger())

	resultChan := make(chan *models.Reference, 1)
	go func() {
		ref, _ := q.Pop()
		resultChan <- ref
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-resultChan:
		t.Fatal("Pop() returned before Add(), should have blocked")
	default:
	}

	q.Add(models.NewReference("unblock", 0))

	select {
	case ref := <-resultChan:
		if ref == nil || ref.URL != "unblock" {
			t.Errorf("Pop() = %v, want unblock", ref)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Pop() did not return after Add()")
	}
}

func TestReferenceQueue_CloseUnblocksWaiters(t *testing.T) {
	q := NewReferenceQueue(testLogger())

	var wg sync.WaitGroup
	var gotItem atomic.Bool
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.Pop(); ok {
				gotItem.Store(true)
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Close() did not unblock waiting goroutines")
	}
	if gotItem.Load() {
		t.Error("Blocked Pop() returned ok=true after Close()")
	}
}

func TestReferenceQueue_ConcurrentAddPop(t *testing.T) {
	q := NewReferenceQueue(testLogger())

	const producers, consumers, perProducer = 5, 3, 20
	var popped atomic.Int64
	var wg sync.WaitGroup

	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, ok := q.Pop(); !ok {
					return
				}
				popped.Add(1)
			}
		}()
	}

	var producerWg sync.WaitGroup
	for p := range producers {
		producerWg.Add(1)
		go func() {
			defer producerWg.Done()
			for range perProducer {
				q.Add(models.NewReference("url", p))
			}
		}()
	}

	producerWg.Wait()
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Consumers did not finish in time")
	}

	if got := popped.Load(); got != producers*perProducer {
		t.Errorf("Popped %d items, want %d", got, producers*perProducer)
	}
}
