package provision

import (
	"context"
	"errors"
	"testing"
	"time"
)

type errStatus struct{ err error }

func (e errStatus) DeviceOnline(context.Context, string) (bool, error) { return false, e.err }

func TestConfirmOnline(t *testing.T) {
	status := &fakeStatus{online: 3}
	online, err := ConfirmOnline(context.Background(), status, "ESP32_A1B2C3", time.Millisecond, time.Second)
	if err != nil || !online {
		t.Fatalf("ConfirmOnline() = %v, %v, want true", online, err)
	}
	if status.polls != 3 {
		t.Errorf("polls = %d, want 3", status.polls)
	}
}

func TestConfirmOnlineWindowElapses(t *testing.T) {
	status := &fakeStatus{}
	start := time.Now()
	online, err := ConfirmOnline(context.Background(), status, "ESP32_A1B2C3", 5*time.Millisecond, 30*time.Millisecond)
	if err != nil || online {
		t.Fatalf("ConfirmOnline() = %v, %v, want false, nil", online, err)
	}
	if time.Since(start) > time.Second {
		t.Error("ConfirmOnline overran its window")
	}
	if status.polls < 2 {
		t.Errorf("polls = %d, want several", status.polls)
	}
}

func TestConfirmOnlineReportsErrors(t *testing.T) {
	boom := errors.New("backend down")
	online, err := ConfirmOnline(context.Background(), errStatus{boom}, "ESP32_A1B2C3", 5*time.Millisecond, 20*time.Millisecond)
	if online || !errors.Is(err, boom) {
		t.Errorf("ConfirmOnline() = %v, %v, want false, %v", online, err, boom)
	}
}
