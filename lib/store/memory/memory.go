package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/TecharoHQ/challengegate/lib/store"
)

type factory struct{}

func (factory) Build(ctx context.Context, _ json.RawMessage) (store.Interface, error) {
	return New(ctx), nil
}

func (factory) Valid(json.RawMessage) error { return nil }

func init() {
	store.Register("memory", factory{})
}

type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return now.After(e.expires)
}

type impl struct {
	lock  sync.Mutex
	items map[string]entry
}

// live returns the entry at key if it exists and has not expired. The caller
// must hold i.lock.
func (i *impl) live(key string, now time.Time) (entry, bool) {
	e, ok := i.items[key]
	if !ok {
		return entry{}, false
	}

	if e.expired(now) {
		delete(i.items, key)
		return entry{}, false
	}

	return e, true
}

func (i *impl) Add(_ context.Context, key string, value []byte, expiry time.Duration) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	now := time.Now()
	if _, ok := i.live(key, now); ok {
		return fmt.Errorf("%w: %q", store.ErrExists, key)
	}

	i.items[key] = entry{value: value, expires: now.Add(expiry)}
	return nil
}

func (i *impl) Delete(_ context.Context, key string) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	if _, ok := i.live(key, time.Now()); !ok {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	delete(i.items, key)
	return nil
}

func (i *impl) Get(_ context.Context, key string) ([]byte, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	e, ok := i.live(key, time.Now())
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return e.value, nil
}

func (i *impl) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	now := time.Now()
	e, ok := i.live(key, now)
	if !ok {
		e = entry{value: []byte("0"), expires: now.Add(window)}
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a counter: %w", store.ErrCantDecode, key, err)
	}

	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	i.items[key] = e

	return n, nil
}

func (i *impl) Set(_ context.Context, key string, value []byte, expiry time.Duration) error {
	i.lock.Lock()
	defer i.lock.Unlock()

	i.items[key] = entry{value: value, expires: time.Now().Add(expiry)}
	return nil
}

func (i *impl) cleanup() {
	i.lock.Lock()
	defer i.lock.Unlock()

	now := time.Now()
	for key, e := range i.items {
		if e.expired(now) {
			delete(i.items, key)
		}
	}
}

func (i *impl) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			i.cleanup()
		}
	}
}

// New creates a simple in-memory store. This will not scale to multiple gate instances.
func New(ctx context.Context) store.Interface {
	result := &impl{
		items: map[string]entry{},
	}

	go result.cleanupThread(ctx)

	return result
}
