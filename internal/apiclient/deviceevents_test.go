package apiclient

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollDeviceEventsEmitsAddedAndRemoved(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	calls := 0
	poll := func(ctx context.Context) ([]string, error) {
		calls++
		switch calls {
		case 1:
			return []string{"aa", "bb"}, nil
		default:
			return []string{"aa"}, nil
		}
	}

	out := make(chan DeviceEvent, 16)
	go pollDeviceEvents(ctx, poll, 10*time.Millisecond, out)

	var events []DeviceEvent
	for ev := range out {
		events = append(events, ev)
	}

	var sawRemoved bool
	for _, ev := range events {
		if ev.Fingerprint == "bb" && !ev.Added {
			sawRemoved = true
		}
	}
	if !sawRemoved {
		t.Fatalf("events = %+v, want a removed event for bb", events)
	}
}

func TestPollDeviceEventsSkipsOnError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	poll := func(ctx context.Context) ([]string, error) {
		return nil, errors.New("upstream unreachable")
	}

	out := make(chan DeviceEvent, 4)
	done := make(chan struct{})
	go func() {
		pollDeviceEvents(ctx, poll, 10*time.Millisecond, out)
		close(done)
	}()

	<-done
	if len(out) != 0 {
		t.Fatalf("out has %d buffered events, want 0 when poll always errors", len(out))
	}
}
