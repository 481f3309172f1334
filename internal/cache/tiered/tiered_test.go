package tiered

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/AsobaCloud/platform-edge/internal/cache/redisstore"
	"github.com/AsobaCloud/platform-edge/internal/coldstore"
	"github.com/AsobaCloud/platform-edge/internal/model"
)

type payload struct {
	Customer string    `json:"customer"`
	LoadedAt time.Time `json:"loaded_at"`
	Blob     []byte    `json:"blob"`
}

func newRedis(t *testing.T) (*redisstore.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func testKey() model.ArtifactKey {
	return model.ArtifactKey{Kind: model.KindModel, CustomerID: "Sibaya"}
}

func countingLoader(n *atomic.Int64, v payload, err error) Loader[payload] {
	return func(context.Context) (payload, error) {
		n.Add(1)
		if err != nil {
			return payload{}, err
		}
		return v, nil
	}
}

func TestResolve_SecondCallSkipsColdStore(t *testing.T) {
	rc, _ := newRedis(t)
	c := New[payload](model.KindModel, Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())

	var loads atomic.Int64
	want := payload{Customer: "Sibaya", LoadedAt: time.Date(2025, 1, 10, 6, 0, 0, 0, time.UTC), Blob: []byte("weights")}
	load := countingLoader(&loads, want, nil)

	first, err := c.Resolve(context.Background(), testKey(), load)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := c.Resolve(context.Background(), testKey(), load)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("cold loads=%d want 1", got)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("payloads differ:\n%s\n%s", a, b)
	}
}

func TestResolve_DistributedTierServesOtherProcess(t *testing.T) {
	rc, _ := newRedis(t)
	a := New[payload](model.KindModel, Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())

	var loads atomic.Int64
	want := payload{Customer: "Sibaya", Blob: []byte("weights")}
	if _, err := a.Resolve(context.Background(), testKey(), countingLoader(&loads, want, nil)); err != nil {
		t.Fatalf("warm resolve: %v", err)
	}

	// a second cache instance simulates another process sharing the
	// distributed tier: its loader must never run
	b := New[payload](model.KindModel, Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())
	got, err := b.Resolve(context.Background(), testKey(), func(context.Context) (payload, error) {
		t.Fatalf("cold store hit despite distributed entry")
		return payload{}, nil
	})
	if err != nil {
		t.Fatalf("resolve via distributed tier: %v", err)
	}
	if got.Customer != "Sibaya" || string(got.Blob) != "weights" {
		t.Fatalf("distributed payload mismatch: %+v", got)
	}
}

func TestResolve_LogicallyExpiredEntryIsAbsent(t *testing.T) {
	rc, _ := newRedis(t)
	a := New[payload](model.KindModel, Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())

	var loads atomic.Int64
	if _, err := a.Resolve(context.Background(), testKey(), countingLoader(&loads, payload{Customer: "x"}, nil)); err != nil {
		t.Fatalf("warm resolve: %v", err)
	}

	// fresh instance whose clock is past the envelope expiry; the store has
	// not evicted the entry yet but it must not be served
	b := New[payload](model.KindModel, Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())
	b.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := b.Resolve(context.Background(), testKey(), countingLoader(&loads, payload{Customer: "y"}, nil)); err != nil {
		t.Fatalf("resolve after logical expiry: %v", err)
	}
	if got := loads.Load(); got != 2 {
		t.Fatalf("cold loads=%d want 2 (expired entry must reload)", got)
	}
}

func TestResolve_StampedeCollapsesToOneLoad(t *testing.T) {
	rc, _ := newRedis(t)
	c := New[payload](model.KindModel, Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())

	var loads atomic.Int64
	slowLoad := func(context.Context) (payload, error) {
		loads.Add(1)
		time.Sleep(100 * time.Millisecond)
		return payload{Customer: "Sibaya"}, nil
	}

	const callers = 50
	start := make(chan struct{})
	results := make(chan error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for range callers {
		go func() {
			defer wg.Done()
			<-start
			got, err := c.Resolve(context.Background(), testKey(), slowLoad)
			if err == nil && got.Customer != "Sibaya" {
				err = fmt.Errorf("unexpected payload %+v", got)
			}
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			t.Fatalf("caller failed: %v", err)
		}
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("cold loads=%d want 1", got)
	}
}

func TestResolve_ErrorClassification(t *testing.T) {
	rc, _ := newRedis(t)
	c := New[payload](model.KindModel, Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())

	var loads atomic.Int64
	unreachable := fmt.Errorf("registry: %w", coldstore.ErrUnreachable)
	if _, err := c.Resolve(context.Background(), testKey(), countingLoader(&loads, payload{}, unreachable)); !errors.Is(err, ErrColdStoreUnreachable) {
		t.Fatalf("err=%v want ErrColdStoreUnreachable", err)
	}

	missing := fmt.Errorf("registry: %w", coldstore.ErrNotFound)
	if _, err := c.Resolve(context.Background(), testKey(), countingLoader(&loads, payload{}, missing)); !errors.Is(err, ErrArtifactUnavailable) {
		t.Fatalf("err=%v want ErrArtifactUnavailable", err)
	}
}

func TestResolve_DistributedWriteFailureIsNonFatal(t *testing.T) {
	rc, mr := newRedis(t)
	c := New[payload](model.KindModel, Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())

	mr.Close() // distributed tier down before first load

	var loads atomic.Int64
	got, err := c.Resolve(context.Background(), testKey(), countingLoader(&loads, payload{Customer: "Sibaya"}, nil))
	if err != nil {
		t.Fatalf("resolve with dead distributed tier: %v", err)
	}
	if got.Customer != "Sibaya" {
		t.Fatalf("payload=%+v", got)
	}

	// memory tier still serves it
	if _, err := c.Resolve(context.Background(), testKey(), countingLoader(&loads, payload{}, errors.New("no second load"))); err != nil {
		t.Fatalf("memory resolve: %v", err)
	}
	if loads.Load() != 1 {
		t.Fatalf("cold loads=%d want 1", loads.Load())
	}
}

func TestInvalidate_ForcesReload(t *testing.T) {
	rc, _ := newRedis(t)
	c := New[payload](model.KindModel, Config{TTL: time.Hour, MemSize: 8}, rc, zerolog.Nop())

	var loads atomic.Int64
	load := countingLoader(&loads, payload{Customer: "Sibaya"}, nil)

	if _, err := c.Resolve(context.Background(), testKey(), load); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := c.Invalidate(context.Background(), testKey()); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := c.Resolve(context.Background(), testKey(), load); err != nil {
		t.Fatalf("resolve after invalidate: %v", err)
	}
	if got := loads.Load(); got != 2 {
		t.Fatalf("cold loads=%d want 2", got)
	}
}

func TestResolve_MemoryOnlyWithoutRedis(t *testing.T) {
	c := New[payload](model.KindData, Config{TTL: time.Minute, MemSize: 4}, nil, zerolog.Nop())

	var loads atomic.Int64
	if _, err := c.Resolve(context.Background(), testKey(), countingLoader(&loads, payload{Customer: "a"}, nil)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := c.Resolve(context.Background(), testKey(), countingLoader(&loads, payload{Customer: "b"}, nil)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if loads.Load() != 1 {
		t.Fatalf("cold loads=%d want 1", loads.Load())
	}
	if c.Len() != 1 {
		t.Fatalf("memory tier len=%d want 1", c.Len())
	}
}
