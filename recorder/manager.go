package recorder

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kotonoha/danmaku-archiver/biliapi"
	"github.com/kotonoha/danmaku-archiver/config"
	"github.com/kotonoha/danmaku-archiver/telemetry"
)

// Manager owns the capture sessions, one per room, and exposes the lifecycle
// hooks the process supervisor drives. Each session runs in its own goroutine
// under a context derived from the manager's root context.
type Manager struct {
	api *biliapi.Client
	cfg *config.Config

	// OnFinalize is installed on every session it starts; see
	// Session.OnFinalize. Set it before the first StartCapture.
	OnFinalize func(path string)

	mu     sync.Mutex
	root   context.Context
	active map[string]*managedSession
}

type managedSession struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager wires a manager over the root context; canceling root stops
// every capture and finalizes open transcripts.
func NewManager(root context.Context, api *biliapi.Client, cfg *config.Config) *Manager {
	return &Manager{api: api, cfg: cfg, root: root, active: make(map[string]*managedSession)}
}

// StartCapture launches a capture session for roomID. Starting a room that
// is already being captured is an error; restart exists for that.
func (m *Manager) StartCapture(roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[roomID]; ok {
		return fmt.Errorf("room %s already capturing", roomID)
	}
	ctx, cancel := context.WithCancel(m.root)
	ms := &managedSession{
		session: NewSession(m.api, m.cfg, roomID),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	ms.session.OnFinalize = m.OnFinalize
	m.active[roomID] = ms
	telemetry.ActiveCaptures.Inc()
	go func() {
		defer close(ms.done)
		ms.session.Run(ctx)
	}()
	return nil
}

// StopCapture cancels the room's session and waits for it to finalize its
// transcript and exit.
func (m *Manager) StopCapture(roomID string) error {
	m.mu.Lock()
	ms, ok := m.active[roomID]
	if ok {
		delete(m.active, roomID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("room %s not capturing", roomID)
	}
	ms.cancel()
	<-ms.done
	telemetry.ActiveCaptures.Dec()
	return nil
}

// RestartCapture stops then starts the room's session.
func (m *Manager) RestartCapture(roomID string) error {
	if err := m.StopCapture(roomID); err != nil {
		return err
	}
	return m.StartCapture(roomID)
}

// StopAll stops every active capture; used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	rooms := make([]string, 0, len(m.active))
	for r := range m.active {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		_ = m.StopCapture(r)
	}
}

// CaptureStatus is a point-in-time view of one session for the ops surface.
type CaptureStatus struct {
	RoomID         string `json:"room_id"`
	State          string `json:"state"`
	Watchers       uint32 `json:"watchers"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

// Status reports all active sessions, sorted by room id for stable output.
func (m *Manager) Status() []CaptureStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CaptureStatus, 0, len(m.active))
	for roomID, ms := range m.active {
		out = append(out, CaptureStatus{
			RoomID:         roomID,
			State:          ms.session.State().String(),
			Watchers:       ms.session.Watchers(),
			TranscriptPath: ms.session.TranscriptPath(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
