package keylock

import (
	"sync"
	"testing"
)

func TestGet_SameKeySameMutex(t *testing.T) {
	var m Map
	if m.Get("a") != m.Get("a") {
		t.Error("same key should return the same mutex")
	}
	if m.Get("a") == m.Get("b") {
		t.Error("distinct keys should return distinct mutexes")
	}
}

func TestGet_SerializesCounter(t *testing.T) {
	var m Map
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu := m.Get("counter")
			mu.Lock()
			counter++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100, got %d", counter)
	}
}
