package mailguard

import (
	"sync"
	"testing"
)

func TestGenIDMonotonic(t *testing.T) {
	prev := GenID().String()
	for i := 0; i < 1000; i++ {
		id := GenID().String()
		if id <= prev {
			t.Fatalf("expected %s > %s", id, prev)
		}
		prev = id
	}
}

func TestGenIDConcurrent(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]bool{}
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := GenID().String()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
