package cron

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/reactorhub/reactorhub/pkg/subscription"
)

func TestValid(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"* * * * *", true},
		{"*/5 * * * *", true},
		{"0 0 1 1 *", true},
		{"*/5 * * * * *", true},
		{"not a cron expression", false},
		{"", false},
		{"60 * * * *", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if got := Valid(tt.expr); got != tt.want {
				t.Errorf("Valid(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestBuildViews(t *testing.T) {
	idA := uuid.New()
	idB := uuid.New()
	lastExec := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	jobs := []subscription.ScheduledJob{
		{ScriptID: idA, CronExpression: "* * * * *", Paused: false, LastExecutedAt: &lastExec},
		{ScriptID: idB, CronExpression: "0 * * * *", Paused: true},
	}
	running := map[uuid.UUID]bool{idA: true}
	counts := map[uuid.UUID]int64{idA: 7}

	views := buildViews(jobs, running, counts)

	if len(views) != 2 {
		t.Fatalf("len(views) = %d, want 2", len(views))
	}

	byID := map[uuid.UUID]ScheduledView{}
	for _, v := range views {
		byID[v.ScriptID] = v
	}

	a := byID[idA]
	if !a.Running {
		t.Error("script A should show Running = true")
	}
	if a.ExecutionCount != 7 {
		t.Errorf("script A ExecutionCount = %d, want 7", a.ExecutionCount)
	}
	if a.LastExecutedAt == nil || !a.LastExecutedAt.Equal(lastExec) {
		t.Errorf("script A LastExecutedAt = %v, want %v", a.LastExecutedAt, lastExec)
	}

	b := byID[idB]
	if b.Running {
		t.Error("script B should show Running = false (not in running map)")
	}
	if !b.Paused {
		t.Error("script B should show Paused = true")
	}
	if b.ExecutionCount != 0 {
		t.Errorf("script B ExecutionCount = %d, want 0", b.ExecutionCount)
	}
}

func TestScheduler_InstallUninstall(t *testing.T) {
	s := New(nil, nil, nil, nil, Config{}, nil)

	scriptID := uuid.New()
	if err := s.install(scriptID, "* * * * *"); err != nil {
		t.Fatalf("install() error = %v", err)
	}
	if _, ok := s.entries[scriptID]; !ok {
		t.Fatal("entries should contain scriptID after install")
	}

	s.uninstall(scriptID)
	if _, ok := s.entries[scriptID]; ok {
		t.Fatal("entries should not contain scriptID after uninstall")
	}
}

func TestScheduler_InstallRejectsInvalidExpression(t *testing.T) {
	s := New(nil, nil, nil, nil, Config{}, nil)
	if err := s.install(uuid.New(), "not a cron expression"); err == nil {
		t.Fatal("install() error = nil, want error for invalid expression")
	}
}

func TestScheduler_IsActive(t *testing.T) {
	unfenced := New(nil, nil, nil, nil, Config{LeaderElection: false}, nil)
	if !unfenced.isActive() {
		t.Error("scheduler without leader election should always be active")
	}
}
