package systemd

import (
	"context"
	"testing"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready() = %v, %v", sent, err)
	}
	if d := WatchdogInterval(); d != 0 {
		t.Fatalf("WatchdogInterval() = %v", d)
	}
	if err := Watchdog(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "4000000")
	t.Setenv("WATCHDOG_PID", "")
	if d := WatchdogInterval(); d.Seconds() != 2 {
		t.Fatalf("WatchdogInterval() = %v, want 2s", d)
	}
}
