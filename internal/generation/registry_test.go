package generation

import (
	"errors"
	"testing"
)

func TestPromoteReplacesActive(t *testing.T) {
	reg := NewRegistry()
	reg.Restore("v1")
	reg.Stage("v2")

	if got := reg.Active(); got != "v1" {
		t.Fatalf("staging must not change active, got %s", got)
	}
	previous, err := reg.Promote()
	if err != nil {
		t.Fatalf("promote error: %v", err)
	}
	if previous != "v1" || reg.Active() != "v2" || reg.Staged() != "" {
		t.Fatalf("unexpected state after promote: prev=%s active=%s staged=%s", previous, reg.Active(), reg.Staged())
	}
}

func TestPromoteWithoutStaged(t *testing.T) {
	reg := NewRegistry()
	reg.Restore("v1")
	if _, err := reg.Promote(); !errors.Is(err, ErrNothingStaged) {
		t.Fatalf("expected ErrNothingStaged, got %v", err)
	}
	if reg.Active() != "v1" {
		t.Fatalf("active should be untouched")
	}
}

func TestDiscardKeepsActive(t *testing.T) {
	reg := NewRegistry()
	reg.Restore("v1")
	reg.Stage("v2")
	reg.Discard("v2")
	if reg.Staged() != "" || reg.Active() != "v1" {
		t.Fatalf("discard should only drop the staged generation")
	}
}

func TestIsObsolete(t *testing.T) {
	reg := NewRegistry()
	reg.Restore("v2")
	reg.Stage("v3")
	cases := map[string]bool{"v1": true, "v2": false, "v3": false}
	for name, want := range cases {
		if got := reg.IsObsolete(name); got != want {
			t.Fatalf("IsObsolete(%s) = %v, want %v", name, got, want)
		}
	}
}
