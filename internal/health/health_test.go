package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("rpc", func(_ context.Context) Status {
		return Status{Name: "rpc", Healthy: true}
	})
	r.Register("store", func(_ context.Context) Status {
		return Status{Healthy: true, Detail: "memory"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Name != "store" {
		t.Fatalf("unnamed status should take the registered name, got %q", statuses[1].Name)
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("rpc", Ping("rpc", func(context.Context) error { return nil }))
	r.Register("store", Ping("store", func(context.Context) error {
		return errors.New("connection refused")
	}))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if statuses[0].Name != "rpc" || !statuses[0].Healthy {
		t.Fatalf("unexpected first status %+v", statuses[0])
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry()
	r.SetTimeout(20 * time.Millisecond)

	block := make(chan struct{})
	defer close(block)
	r.Register("rpc", func(_ context.Context) Status {
		<-block // ignores ctx
		return Status{Name: "rpc", Healthy: true}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("a hung check must be unhealthy")
	}
	if statuses[0].Detail != "check timed out" || statuses[0].Name != "rpc" {
		t.Fatalf("unexpected status %+v", statuses[0])
	}
	if time.Since(start) > time.Second {
		t.Fatal("CheckAll waited on a hung check")
	}
}

func TestRegistryRunsChecksConcurrently(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		r.Register("slow", func(ctx context.Context) Status {
			time.Sleep(50 * time.Millisecond)
			return Status{Healthy: true}
		})
	}

	start := time.Now()
	healthy, _ := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("expected healthy")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("checks ran serially: %v", elapsed)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
