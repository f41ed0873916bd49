package state

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_PutGetDelete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if _, err := s.Get("swarm.a"); err != ErrNotFound {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	if err := s.Put("swarm.a", []byte("1"), 0); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	got, err := s.Get("swarm.a")
	if err != nil || string(got) != "1" {
		t.Errorf("Get = %q, %v; want 1", got, err)
	}

	if err := s.Put("swarm.a", []byte("2"), 0); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	got, _ = s.Get("swarm.a")
	if string(got) != "2" {
		t.Errorf("overwrite: Get = %q, want 2", got)
	}

	if err := s.Delete("swarm.a"); err != nil {
		t.Errorf("Delete error: %v", err)
	}
	if err := s.Delete("swarm.a"); err != nil {
		t.Errorf("Delete missing error: %v", err)
	}
	if _, err := s.Get("swarm.a"); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_ValuesAreCopied(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	in := []byte("abc")
	s.Put("k", in, 0)
	in[0] = 'X'

	out, _ := s.Get("k")
	out[1] = 'Y'

	again, _ := s.Get("k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated: %q", again)
	}
}

func TestMemoryStore_TTL(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newMemoryStore(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	defer s.Close()

	s.Put("swarm.results.t1", []byte("x"), time.Minute)
	s.Put("swarm.results.t2", []byte("y"), 0)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if _, err := s.Get("swarm.results.t1"); err != ErrNotFound {
		t.Errorf("expired Get = %v, want ErrNotFound", err)
	}
	keys, _ := s.Keys("swarm.results.*")
	if fmt.Sprint(keys) != "[swarm.results.t2]" {
		t.Errorf("Keys = %v, want only the non-expiring key", keys)
	}

	s.cleanupExpired()
	s.mu.RLock()
	n := len(s.data)
	s.mu.RUnlock()
	if n != 1 {
		t.Errorf("entries after cleanup = %d, want 1", n)
	}
}

func TestMemoryStore_KeysSorted(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	for _, k := range []string{"swarm.workers.c", "swarm.workers.a", "swarm.results.z", "swarm.workers.b"} {
		s.Put(k, nil, 0)
	}
	keys, err := s.Keys("swarm.workers.*")
	if err != nil {
		t.Fatalf("Keys error: %v", err)
	}
	if fmt.Sprint(keys) != "[swarm.workers.a swarm.workers.b swarm.workers.c]" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	s.Close()

	if err := s.Put("k", nil, 0); err != ErrClosed {
		t.Errorf("Put = %v, want ErrClosed", err)
	}
	if _, err := s.Get("k"); err != ErrClosed {
		t.Errorf("Get = %v, want ErrClosed", err)
	}
	if _, err := s.Keys("*"); err != ErrClosed {
		t.Errorf("Keys = %v, want ErrClosed", err)
	}
	if err := s.Delete("k"); err != ErrClosed {
		t.Errorf("Delete = %v, want ErrClosed", err)
	}
}

func TestMemoryStore_InvalidInput(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	if err := s.Put("", nil, 0); err != ErrInvalidKey {
		t.Errorf("Put empty key = %v, want ErrInvalidKey", err)
	}
	if err := s.Put("k", nil, -time.Second); err != ErrInvalidTTL {
		t.Errorf("Put negative ttl = %v, want ErrInvalidTTL", err)
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("swarm.k%d", n)
			for j := 0; j < 100; j++ {
				s.Put(key, []byte("v"), time.Minute)
				s.Get(key)
				s.Keys("swarm.*")
			}
		}(i)
	}
	wg.Wait()

	keys, _ := s.Keys("swarm.*")
	if len(keys) != 10 {
		t.Errorf("len(Keys) = %d, want 10", len(keys))
	}
}
