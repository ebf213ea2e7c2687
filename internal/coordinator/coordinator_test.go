package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/partyplay/songcache/internal/cache"
	"github.com/partyplay/songcache/internal/upstream"
)

func TestConcurrentPrepareRunsSingleFetch(t *testing.T) {
	store := newFakeStore()
	fetcher := newGatedFetcher(store)
	c := newTestCoordinator(t, store, fetcher)

	const callers = 10
	var successes atomic.Int32
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			err := c.Prepare("song1",
				func() { successes.Add(1); wg.Done() },
				func(err error) { t.Errorf("unexpected failure: %v", err); wg.Done() },
			)
			if err != nil {
				t.Errorf("prepare error: %v", err)
				wg.Done()
			}
		}()
	}

	waitFor(t, func() bool { return fetcher.calls() == 1 })
	close(fetcher.release)
	wg.Wait()

	if got := fetcher.calls(); got != 1 {
		t.Fatalf("expected exactly one fetch, got %d", got)
	}
	if successes.Load() != callers {
		t.Fatalf("expected %d successes, got %d", callers, successes.Load())
	}
	if len(c.Pending()) != 0 {
		t.Fatalf("pending entry should be removed, got %v", c.Pending())
	}
}

func TestWaitersNotifiedInRegistrationOrder(t *testing.T) {
	store := newFakeStore()
	fetcher := newGatedFetcher(store)
	c := newTestCoordinator(t, store, fetcher)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		if err := c.Prepare("ordered", func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 5 {
				close(done)
			}
			mu.Unlock()
		}, nil); err != nil {
			t.Fatalf("prepare error: %v", err)
		}
	}
	if got := c.Pending(); !reflect.DeepEqual(got, []string{"ordered"}) {
		t.Fatalf("unexpected pending ids: %v", got)
	}
	close(fetcher.release)
	<-done

	if !reflect.DeepEqual(order, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("waiters notified out of order: %v", order)
	}
}

func TestPrepareCacheHitSkipsFetch(t *testing.T) {
	store := newFakeStore()
	store.commit("cached")
	fetcher := newGatedFetcher(store)
	c := newTestCoordinator(t, store, fetcher)

	called := false
	if err := c.Prepare("cached", func() { called = true }, nil); err != nil {
		t.Fatalf("prepare error: %v", err)
	}
	if !called {
		t.Fatalf("cache hit should invoke onSuccess synchronously")
	}
	if fetcher.calls() != 0 {
		t.Fatalf("cache hit must not fetch")
	}
}

func TestFailureReachesAllWaitersAndNextRequestStartsFresh(t *testing.T) {
	store := newFakeStore()
	fetcher := newGatedFetcher(store)
	fetcher.err = errors.New("upstream returned status 404")
	c := newTestCoordinator(t, store, fetcher)

	var failures atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		if err := c.Prepare("missing", func() {
			t.Errorf("unexpected success")
			wg.Done()
		}, func(err error) {
			if err == nil || err.Error() != "upstream returned status 404" {
				t.Errorf("unexpected error: %v", err)
			}
			failures.Add(1)
			wg.Done()
		}); err != nil {
			t.Fatalf("prepare error: %v", err)
		}
	}
	close(fetcher.release)
	wg.Wait()
	if failures.Load() != 3 {
		t.Fatalf("expected 3 failures, got %d", failures.Load())
	}

	fetcher.err = nil
	if err := c.Wait(context.Background(), "missing"); err != nil {
		t.Fatalf("second request should start a fresh fetch: %v", err)
	}
	if fetcher.calls() != 2 {
		t.Fatalf("expected a second fetch, got %d calls", fetcher.calls())
	}
}

func TestPrepareRejectsInvalidID(t *testing.T) {
	store := newFakeStore()
	fetcher := newGatedFetcher(store)
	c := newTestCoordinator(t, store, fetcher)

	invoked := false
	err := c.Prepare("../etc/passwd", func() { invoked = true }, func(error) { invoked = true })
	if !errors.Is(err, cache.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if invoked || fetcher.calls() != 0 {
		t.Fatalf("invalid id must not invoke handlers or fetch")
	}
}

func TestPanickingHandlerDoesNotStarveOthers(t *testing.T) {
	store := newFakeStore()
	fetcher := newGatedFetcher(store)
	c := newTestCoordinator(t, store, fetcher)

	done := make(chan struct{})
	if err := c.Prepare("boom", func() { panic("handler bug") }, nil); err != nil {
		t.Fatalf("prepare error: %v", err)
	}
	if err := c.Prepare("boom", func() { close(done) }, nil); err != nil {
		t.Fatalf("prepare error: %v", err)
	}
	close(fetcher.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("second waiter never notified")
	}
}

func TestWaitReturnsWhenCallerGivesUp(t *testing.T) {
	store := newFakeStore()
	fetcher := newGatedFetcher(store)
	c := newTestCoordinator(t, store, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Wait(ctx, "slow"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !reflect.DeepEqual(c.Pending(), []string{"slow"}) {
		t.Fatalf("fetch should keep running after the caller leaves")
	}
	close(fetcher.release)
	waitFor(t, func() bool { return len(c.Pending()) == 0 })
	if !store.Exists("slow") {
		t.Fatalf("abandoned fetch should still commit")
	}
}

func TestPrepareAllowsNilHandlers(t *testing.T) {
	store := newFakeStore()
	fetcher := newGatedFetcher(store)
	c := newTestCoordinator(t, store, fetcher)

	if err := c.Prepare("quiet", nil, nil); err != nil {
		t.Fatalf("prepare error: %v", err)
	}
	close(fetcher.release)
	waitFor(t, func() bool { return store.Exists("quiet") && len(c.Pending()) == 0 })
}

type fakeStore struct {
	mu        sync.Mutex
	committed map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{committed: make(map[string]bool)}
}

func (s *fakeStore) commit(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[id] = true
}

func (s *fakeStore) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[id]
}

func (s *fakeStore) OpenStaging(string) (io.WriteCloser, error) {
	return nil, fmt.Errorf("not supported")
}

func (s *fakeStore) Commit(id string) error {
	s.commit(id)
	return nil
}

func (s *fakeStore) Discard(string) error { return nil }

func (s *fakeStore) Open(string) (*cache.ReadResult, error) {
	return nil, cache.ErrNotFound
}

// gatedFetcher 阻塞到 release 关闭，然后按 err 决定成功或失败。
type gatedFetcher struct {
	store   *fakeStore
	release chan struct{}
	err     error
	n       atomic.Int32
}

func newGatedFetcher(store *fakeStore) *gatedFetcher {
	return &gatedFetcher{store: store, release: make(chan struct{})}
}

func (f *gatedFetcher) Fetch(ctx context.Context, id string, _ upstream.StreamLocation) error {
	f.n.Add(1)
	select {
	case <-f.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.store.commit(id)
	return nil
}

func (f *gatedFetcher) calls() int {
	return int(f.n.Load())
}

func newTestCoordinator(t *testing.T, store cache.Store, fetcher Fetcher) *Coordinator {
	t.Helper()
	c, err := New(Options{Backend: "gmusic", Store: store, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("coordinator error: %v", err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
