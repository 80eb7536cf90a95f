package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := NewRegistry(opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestNewRegistryValidatesOptions(t *testing.T) {
	opts := testOptions()
	opts.MaxResponseLength = 0
	if _, err := NewRegistry(opts, zerolog.Nop()); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("NewRegistry err = %v, want ErrInvalidOptions", err)
	}
}

func TestRegistryOpenCreatesOnce(t *testing.T) {
	r := newTestRegistry(t, testOptions())

	s1, created := r.Open("abc")
	if !created {
		t.Fatal("first Open did not create")
	}
	s2, created := r.Open("abc")
	if created || s2 != s1 {
		t.Fatal("second Open did not return the existing session")
	}
	if got, ok := r.Get("abc"); !ok || got != s1 {
		t.Error("Get did not return the opened session")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get for missing id returned ok=true")
	}
}

func TestRegistryOpenConcurrent(t *testing.T) {
	r := newTestRegistry(t, testOptions())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		seen    = make(map[*Session]bool)
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, c := r.Open("shared")
			mu.Lock()
			defer mu.Unlock()
			seen[s] = true
			if c {
				created++
			}
		}()
	}
	wg.Wait()

	if created != 1 || len(seen) != 1 {
		t.Errorf("created=%d distinct=%d, want 1 and 1", created, len(seen))
	}
}

func TestRegistryAssignsIDs(t *testing.T) {
	r := newTestRegistry(t, testOptions())

	a, _ := r.Open("")
	b, _ := r.Open("")
	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("generated ids %q and %q are not unique", a.ID(), b.ID())
	}
	if len(a.ID()) != 36 {
		t.Errorf("generated id %q is not a uuid", a.ID())
	}
}

func TestRegistryEvictOnlyExactSession(t *testing.T) {
	r := newTestRegistry(t, testOptions())
	s, _ := r.Open("x")

	stranger, err := New("x", testOptions(), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer stranger.Dispose()

	if r.Evict(context.Background(), stranger) {
		t.Error("Evict removed a session that is not registered")
	}
	if !r.Evict(context.Background(), s) {
		t.Fatal("Evict of registered session returned false")
	}
	if r.Evict(context.Background(), s) {
		t.Error("second Evict returned true")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}

func TestRegistryEvictCancelled(t *testing.T) {
	r := newTestRegistry(t, testOptions())
	s, _ := r.Open("x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r.Evict(ctx, s) {
		t.Error("Evict with cancelled context returned true")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
}

func TestRegistryTimeoutEviction(t *testing.T) {
	opts := testOptions()
	opts.DisconnectTimeout = 20 * time.Millisecond
	r := newTestRegistry(t, opts)

	evicted := make(chan string, 1)
	r.OnEvict(func(s *Session) { evicted <- s.ID() })

	s, _ := r.Open("idle")
	select {
	case id := <-evicted:
		if id != "idle" {
			t.Errorf("evicted %q, want idle", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session never evicted")
	}
	if _, ok := r.Get("idle"); ok {
		t.Error("evicted session still registered")
	}
	if !s.Expired() {
		t.Error("evicted session not marked expired")
	}

	// the id is free for a new session
	fresh, created := r.Open("idle")
	if !created || fresh == s {
		t.Error("Open after eviction did not create a new session")
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	r := newTestRegistry(t, testOptions())
	for _, id := range []string{"c", "a", "b"} {
		r.Open(id)
	}
	ids := r.IDs()
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("IDs = %v, want [a b c]", ids)
	}
}

func TestRegistryCloseDisposesSessions(t *testing.T) {
	r, err := NewRegistry(testOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s, _ := r.Open("a")
	r.Close()

	if r.Count() != 0 {
		t.Errorf("Count after Close = %d, want 0", r.Count())
	}
	if _, err := s.SendText(context.Background(), []byte("x")); !errors.Is(err, ErrDisposed) {
		t.Errorf("send on closed registry session err = %v, want ErrDisposed", err)
	}
}
