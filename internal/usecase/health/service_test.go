package health

import (
	"context"
	"errors"
	"testing"
)

func ok() Pinger { return PingFunc(func(context.Context) error { return nil }) }

func failing(msg string) Pinger {
	return PingFunc(func(context.Context) error { return errors.New(msg) })
}

func TestCheck_AllHealthy(t *testing.T) {
	svc := New(map[string]Pinger{"index:default": ok(), "objects": ok()})
	r := svc.Check(context.Background())

	if r.Status != Healthy {
		t.Errorf("expected %q, got %q", Healthy, r.Status)
	}
	if r.Checks["index:default"] != CheckOK {
		t.Errorf("expected index:default %q, got %q", CheckOK, r.Checks["index:default"])
	}
	if r.Checks["objects"] != CheckOK {
		t.Errorf("expected objects %q, got %q", CheckOK, r.Checks["objects"])
	}
}

func TestCheck_OneFails(t *testing.T) {
	svc := New(map[string]Pinger{"index:default": failing("conn refused"), "objects": ok()})
	r := svc.Check(context.Background())

	if r.Status != Degraded {
		t.Errorf("expected %q, got %q", Degraded, r.Status)
	}
	if r.Checks["index:default"] != CheckError {
		t.Errorf("expected index:default %q, got %q", CheckError, r.Checks["index:default"])
	}
	if r.Checks["objects"] != CheckOK {
		t.Errorf("expected objects %q, got %q", CheckOK, r.Checks["objects"])
	}
}

func TestCheck_AllFail(t *testing.T) {
	svc := New(map[string]Pinger{"index:default": failing("down"), "objects": failing("down")})
	r := svc.Check(context.Background())

	if r.Status != Unhealthy {
		t.Errorf("expected %q, got %q", Unhealthy, r.Status)
	}
}

func TestCheck_NoComponents(t *testing.T) {
	r := New(nil).Check(context.Background())
	if r.Status != Healthy {
		t.Errorf("expected %q, got %q", Healthy, r.Status)
	}
	if len(r.Checks) != 0 {
		t.Errorf("expected no checks, got %v", r.Checks)
	}
}

func TestNames_Sorted(t *testing.T) {
	svc := New(map[string]Pinger{"objects": ok(), "index:b": ok(), "index:a": ok()})
	got := svc.Names()
	want := []string{"index:a", "index:b", "objects"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names = %v, want %v", got, want)
		}
	}
}
