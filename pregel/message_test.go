package pregel

import (
	"errors"
	"reflect"
	"sort"
	"testing"
)

func TestRouterDoubleBufferIsolation(t *testing.T) {
	router := NewRouter()

	if err := router.Send(0, 7, 1.5); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if err := router.Send(0, 7, 2.5); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	// messages sent during superstep 0 are not readable during superstep 0
	if payloads, err := router.DrainInbox(7, 0); err != nil || len(payloads) != 0 {
		t.Errorf("expected an empty inbox during the sending superstep, got %v (%v)", payloads, err)
	}
	if router.HasMessages(7) {
		t.Errorf("vertex 7 should not see messages before the barrier")
	}

	if err := router.Advance(1); err != nil {
		t.Fatalf("unexpected advance error: %v", err)
	}
	payloads, err := router.DrainInbox(7, 1)
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	sort.Slice(payloads, func(i, j int) bool { return payloads[i] < payloads[j] })
	if !reflect.DeepEqual(payloads, []float32{1.5, 2.5}) {
		t.Errorf("expected [1.5 2.5] but got %v", payloads)
	}

	// exactly once
	if payloads, _ := router.DrainInbox(7, 1); len(payloads) != 0 {
		t.Errorf("messages delivered twice: %v", payloads)
	}
}

func TestRouterRejectsStaleAndEarlyAccess(t *testing.T) {
	router := NewRouter()
	router.Advance(1)

	if err := router.Send(0, 1, 1); !errors.Is(err, ErrStaleMessage) {
		t.Errorf("expected ErrStaleMessage, got %v", err)
	}
	if _, err := router.DrainInbox(1, 2); !errors.Is(err, ErrInboxNotReady) {
		t.Errorf("expected ErrInboxNotReady, got %v", err)
	}
	if err := router.Advance(3); err == nil {
		t.Errorf("expected an error when skipping a superstep")
	}
	if router.Superstep() != 1 {
		t.Errorf("router should still be at superstep 1, got %d", router.Superstep())
	}
}

func TestRouterDropsUndrainedMessages(t *testing.T) {
	router := NewRouter()
	router.Send(0, 1, 1)
	router.Advance(1)
	router.Advance(2)

	if payloads, _ := router.DrainInbox(1, 2); len(payloads) != 0 {
		t.Errorf("messages of superstep 0 leaked into superstep 2: %v", payloads)
	}
}
