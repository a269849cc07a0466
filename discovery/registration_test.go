package discovery

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeRegistry struct {
	mu          sync.Mutex
	registered  bool
	healthCalls int
	deregCalled bool
}

func (f *fakeRegistry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = true
	return nil
}

func (f *fakeRegistry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregCalled = true
	return nil
}

func (f *fakeRegistry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	return nil, nil
}

func (f *fakeRegistry) HealthCheck(instanceID, serviceName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return nil
}

func (f *fakeRegistry) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthCalls
}

func TestRegister_TicksHealthCheckUntilDeregister(t *testing.T) {
	reg := &fakeRegistry{}
	r, err := Register(context.Background(), reg, "svc-1", "svc", "localhost:9000", func() error { return nil }, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !reg.registered {
		t.Fatal("expected registry.Register to have been called")
	}

	deadline := time.Now().Add(3 * time.Second)
	for reg.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.calls() == 0 {
		t.Fatal("expected at least one health check tick")
	}

	if err := r.Deregister(context.Background()); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if !reg.deregCalled {
		t.Fatal("expected registry.Deregister to have been called")
	}
}

func TestRegister_SkipsRegistryHealthCheckWhenCheckFails(t *testing.T) {
	reg := &fakeRegistry{}
	failing := func() error { return context.DeadlineExceeded }
	r, err := Register(context.Background(), reg, "svc-1", "svc", "localhost:9000", failing, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer r.Deregister(context.Background())

	time.Sleep(1200 * time.Millisecond)
	if reg.calls() != 0 {
		t.Fatalf("expected registry.HealthCheck to be skipped while check fails, got %d calls", reg.calls())
	}
}
