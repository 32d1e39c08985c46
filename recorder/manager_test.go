package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/kotonoha/danmaku-archiver/biliapi"
	"github.com/kotonoha/danmaku-archiver/testutil"
)

func TestManagerLifecycle(t *testing.T) {
	mock := testutil.NewMockLiveServer(t)
	mock.MockRoomInfo(4242, "off", 7, 0) // offline; sessions just poll

	cfg := testConfig(t)
	cfg.OfflinePollDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr := NewManager(ctx, &biliapi.Client{BaseURL: mock.URL}, cfg)

	if err := mgr.StartCapture("4242"); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := mgr.StartCapture("4242"); err == nil {
		t.Error("duplicate StartCapture should fail")
	}
	if err := mgr.StartCapture("5555"); err != nil {
		t.Fatalf("StartCapture second room: %v", err)
	}

	status := mgr.Status()
	if len(status) != 2 {
		t.Fatalf("status has %d entries, want 2", len(status))
	}
	// Sorted by room id.
	if status[0].RoomID != "4242" || status[1].RoomID != "5555" {
		t.Errorf("status order = %q, %q", status[0].RoomID, status[1].RoomID)
	}

	if err := mgr.StopCapture("4242"); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if err := mgr.StopCapture("4242"); err == nil {
		t.Error("stopping a stopped room should fail")
	}
	if got := len(mgr.Status()); got != 1 {
		t.Errorf("status has %d entries after stop, want 1", got)
	}

	if err := mgr.RestartCapture("5555"); err != nil {
		t.Fatalf("RestartCapture: %v", err)
	}

	mgr.StopAll()
	if got := len(mgr.Status()); got != 0 {
		t.Errorf("status has %d entries after StopAll, want 0", got)
	}
}
