package lockmap

import (
	"sync"
	"testing"
)

func TestLockSerialisesPerKey(t *testing.T) {
	var m Map
	var wg sync.WaitGroup
	var a, b int

	for i := 0; i < 200; i++ {
		key, counter := "acct-a", &a
		if i%2 == 1 {
			key, counter = "acct-b", &b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock(key)
			defer unlock()
			*counter++
		}()
	}
	wg.Wait()

	if a != 100 || b != 100 {
		t.Fatalf("lost updates: a=%d b=%d", a, b)
	}
	if m.Len() != 0 {
		t.Fatalf("entries leaked: %d", m.Len())
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	var m Map
	unlock := m.Lock("k")
	unlock()
	unlock()
	again := m.Lock("k")
	again()
	if m.Len() != 0 {
		t.Fatalf("expected no entries, got %d", m.Len())
	}
}
