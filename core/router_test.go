package core_test

import (
	"errors"
	"testing"

	core "github.com/Swind/go-task-chain/core"
)

// TestRouter_RunnerFor verifies affinity resolution
// Given: A router over a scheduler pair with no UI lane
// When: Each affinity is resolved
// Then: Concurrent and None map to the concurrent lane, Exclusive to the
// exclusive lane, and UI and Custom fail until a runner is available
func TestRouter_RunnerFor(t *testing.T) {
	// Arrange
	pair := core.NewSchedulerPair(&MockThreadPool{}, core.PairConfig{})
	router := core.NewRouter(pair)
	custom := core.NewPumpedTaskRunner("custom")

	cases := []struct {
		affinity core.TaskAffinity
		custom   core.TaskRunner
		want     core.TaskRunner
		wantErr  error
	}{
		{core.AffinityConcurrent, nil, pair.Concurrent(), nil},
		{core.AffinityNone, nil, pair.Concurrent(), nil},
		{core.AffinityExclusive, nil, pair.Exclusive(), nil},
		{core.AffinityUI, nil, nil, core.ErrNoUIContext},
		{core.AffinityCustom, nil, nil, core.ErrNoCustomRunner},
		{core.AffinityCustom, custom, custom, nil},
		{core.AffinityExclusive, custom, pair.Exclusive(), nil},
	}

	for _, tc := range cases {
		// Act
		got, err := router.RunnerFor(tc.affinity, tc.custom)

		// Assert
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("RunnerFor(%s) error = %v, want %v", tc.affinity, err, tc.wantErr)
		}
		if got != tc.want {
			t.Fatalf("RunnerFor(%s) = %v, want %v", tc.affinity, got, tc.want)
		}
	}
}

func TestRouter_UIAfterSetUI(t *testing.T) {
	router := core.NewRouter(core.NewSchedulerPair(&MockThreadPool{}, core.PairConfig{}))
	ui := core.NewPumpedTaskRunner("")

	router.SetUI(ui)
	got, err := router.RunnerFor(core.AffinityUI, nil)

	if err != nil || got != ui {
		t.Fatalf("RunnerFor(ui) = %v, %v, want the registered lane", got, err)
	}
	if got.Name() != "ui" {
		t.Fatalf("Name() = %q, want %q", got.Name(), "ui")
	}
}

func TestRouter_UnknownAffinity(t *testing.T) {
	router := core.NewRouter(core.NewSchedulerPair(&MockThreadPool{}, core.PairConfig{}))

	if _, err := router.RunnerFor(core.TaskAffinity(42), nil); err == nil {
		t.Fatalf("RunnerFor(42) error = nil, want error")
	}
}
