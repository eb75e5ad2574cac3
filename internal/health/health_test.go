package health

import (
	"context"
	"sync"
	"testing"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("registry with no checkers reported unhealthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want 0", len(statuses))
	}
}

func TestAggregateHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(context.Context) Status {
		return Status{Name: "postgres", Healthy: true}
	})
	r.Register("gateway", func(context.Context) Status {
		return Status{Name: "gateway", Healthy: true, Detail: "breaker closed"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all probes pass but aggregate is unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
}

func TestOneFailingProbeFlipsAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("postgres", func(context.Context) Status {
		return Status{Name: "postgres", Healthy: true}
	})
	r.Register("gateway", func(context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "breaker open"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("failing probe did not flip aggregate to unhealthy")
	}
	if statuses[1].Detail != "breaker open" {
		t.Fatalf("detail = %q, want %q", statuses[1].Detail, "breaker open")
	}
}

func TestConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("probe", func(context.Context) Status {
				return Status{Name: "probe", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
