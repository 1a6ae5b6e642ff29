package taskchain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Swind/go-task-chain/core"
)

func TestNewManager_DefaultsAndShutdown(t *testing.T) {
	m := NewManager(core.DefaultManagerConfig())

	if got := m.Pair().MaxConcurrency(); got != DefaultMaxConcurrency() {
		t.Errorf("expected max concurrency %d, got %d", DefaultMaxConcurrency(), got)
	}
	if got := m.ThreadPool().WorkerCount(); got != DefaultMaxConcurrency()+1 {
		t.Errorf("expected %d workers, got %d", DefaultMaxConcurrency()+1, got)
	}

	n := NewFunc(m, func(ctx context.Context, _ bool) (int, error) { return 1, nil })
	if err := n.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if m.ThreadPool().IsRunning() {
		t.Error("pool should be stopped after Shutdown")
	}
	if !m.IsDisposed() {
		t.Error("manager should be disposed after Shutdown")
	}
}

func TestGlobalManager(t *testing.T) {
	defer func() { _ = ShutdownGlobalManager(context.Background()) }()

	cfg := core.DefaultManagerConfig()
	cfg.MaxConcurrency = 2
	InitGlobalManager(cfg)
	first := GetGlobalManager()
	InitGlobalManager(core.DefaultManagerConfig())
	if GetGlobalManager() != first {
		t.Fatal("InitGlobalManager should not replace an existing manager")
	}

	runner := CreateTaskRunner("io")
	done := make(chan string, 1)
	n := NewAction(first, func(ctx context.Context, _ bool) error {
		done <- GetCurrentTaskRunner(ctx).Name()
		return nil
	}, WithRunner(runner))
	if err := n.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case name := <-done:
		if name != "io" {
			t.Errorf("expected node to run on io, got %s", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node did not run")
	}

	if err := ShutdownGlobalManager(context.Background()); err != nil {
		t.Fatalf("ShutdownGlobalManager() error = %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("GetGlobalManager should panic after shutdown")
		}
	}()
	GetGlobalManager()
}

func TestManager_StartAfterShutdown(t *testing.T) {
	m := NewManager(core.ManagerConfig{MaxConcurrency: 1})
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	n := NewAction(m, func(context.Context, bool) error { return nil })
	if err := n.Start(); !errors.Is(err, core.ErrCanceled) {
		t.Errorf("expected ErrCanceled, got %v", err)
	}
}
