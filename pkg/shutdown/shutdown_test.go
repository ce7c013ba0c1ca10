package shutdown

import (
	"context"
	"errors"
	"testing"
)

func TestShutdownRunsInReverseOrderOnce(t *testing.T) {
	m := NewManager()
	var order []string
	for _, name := range []string{"db", "controller", "http"} {
		name := name
		m.OnShutdown(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("second call should be a no-op: %v", err)
	}
	want := []string{"http", "controller", "db"}
	if len(order) != len(want) {
		t.Fatalf("order=%v want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v want %v", order, want)
		}
	}
}

func TestShutdownAggregatesErrorsAndStopsOnDeadline(t *testing.T) {
	m := NewManager()
	ran := false
	m.OnShutdown("late", func(ctx context.Context) error {
		ran = true
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	m.OnShutdown("first", func(context.Context) error {
		cancel()
		return errors.New("boom")
	})

	err := m.Shutdown(ctx)
	if err == nil {
		t.Fatalf("expected error")
	}
	if ran {
		t.Fatalf("hooks after the deadline must be skipped")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in %v", err)
	}
}
