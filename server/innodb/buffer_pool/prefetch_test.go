package buffer_pool

import (
	"testing"
	"time"
)

// Queue behavior only: workers = 0 keeps the read-ahead goroutines off so
// no page I/O is attempted against a pool that has no spaces behind it.
func TestPrefetchQueueOrdering(t *testing.T) {
	pm := NewPrefetchManager(nil, 4, 8, 0)

	pm.TriggerPrefetchWithPriority(1, 100, 5, time.Second)
	pm.TriggerPrefetchWithPriority(1, 200, 8, time.Second)
	pm.TriggerPrefetchWithPriority(1, 300, 3, time.Second)

	if length := pm.GetQueueLength(); length != 3 {
		t.Errorf("Expected queue length 3, got %d", length)
	}

	if req := pm.getNextRequest(); req == nil {
		t.Fatal("expected a queued request")
	} else if req.Priority != 8 {
		t.Errorf("Expected the priority-8 request first, got priority %d", req.Priority)
	}
	if length := pm.GetQueueLength(); length != 2 {
		t.Errorf("Expected queue length 2 after take, got %d", length)
	}
}

func TestPrefetchQueueFullDropsLowestPriority(t *testing.T) {
	pm := NewPrefetchManager(nil, 4, 2, 0)

	pm.TriggerPrefetchWithPriority(1, 100, 5, time.Second)
	pm.TriggerPrefetchWithPriority(1, 200, 8, time.Second)

	// A lower-priority request than everything queued is dropped.
	pm.TriggerPrefetchWithPriority(1, 300, 3, time.Second)
	if length := pm.GetQueueLength(); length != 2 {
		t.Errorf("Expected full queue to stay at 2, got %d", length)
	}

	// A higher-priority request evicts the lowest queued one.
	pm.TriggerPrefetchWithPriority(1, 400, 9, time.Second)
	if length := pm.GetQueueLength(); length != 2 {
		t.Errorf("Expected queue to stay at 2 after eviction, got %d", length)
	}
	seen := map[int]bool{}
	for req := pm.getNextRequest(); req != nil; req = pm.getNextRequest() {
		seen[req.Priority] = true
	}
	if seen[5] {
		t.Errorf("priority-5 request should have been evicted")
	}
	if !seen[9] || !seen[8] {
		t.Errorf("higher-priority requests should have survived, saw %v", seen)
	}
}

func TestPrefetchClearQueue(t *testing.T) {
	pm := NewPrefetchManager(nil, 4, 8, 0)
	pm.TriggerPrefetchWithPriority(1, 100, 5, time.Second)
	pm.ClearQueue()
	if length := pm.GetQueueLength(); length != 0 {
		t.Errorf("Expected empty queue, got %d", length)
	}
}
