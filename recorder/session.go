// Package recorder implements per-room capture: the push-connection state
// machine, the binary frame codec, and the durable transcript writer.
package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kotonoha/danmaku-archiver/biliapi"
	"github.com/kotonoha/danmaku-archiver/config"
	"github.com/kotonoha/danmaku-archiver/telemetry"
)

// State is the session lifecycle phase. Transitions loop Idle → Connecting →
// AwaitingAuth → Live → Closing → Idle for as long as the room is monitored.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingAuth
	StateLive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session captures one room. It owns its socket, its timers, and its open
// transcript; nothing is shared across rooms except the filesystem.
type Session struct {
	RoomID string

	// Insecure dials plain ws instead of wss. Tests only.
	Insecure bool

	// OnFinalize, when set, is called with the final transcript path after
	// every successful finalize. The manager points it at the ingestor so a
	// completed broadcast reaches the catalog without waiting out a scan tick.
	OnFinalize func(path string)

	api *biliapi.Client
	cfg *config.Config
	log *slog.Logger

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	writer      *TranscriptWriter
	info        biliapi.RoomInfo
	hostIndex   int
	streamEnded bool
	watchers    uint32

	writeMu sync.Mutex
}

// NewSession builds a session for roomID. Call Run to start capturing.
func NewSession(api *biliapi.Client, cfg *config.Config, roomID string) *Session {
	return &Session{
		RoomID: roomID,
		api:    api,
		cfg:    cfg,
		log:    slog.Default().With(slog.String("room", roomID), slog.String("component", "recorder")),
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watchers returns the last heartbeat-reported watcher count.
func (s *Session) Watchers() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watchers
}

// TranscriptPath returns the active transcript path, or "" when idle offline.
func (s *Session) TranscriptPath() string {
	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w == nil {
		return ""
	}
	return w.Path()
}

// Run drives the capture loop until ctx is canceled. Every failure path is
// non-fatal: the session closes, waits the class-appropriate delay, and
// dials again. On cancellation the open transcript is finalized before
// returning so a graceful shutdown never strands a provisional file.
func (s *Session) Run(ctx context.Context) {
	// Repair anything a previous unclean shutdown left behind for this room.
	if n, err := RecoverOrphans(s.cfg.DataDir, s.RoomID); err != nil {
		s.log.Warn("orphan recovery failed", slog.Any("err", err))
	} else if n > 0 {
		s.log.Info("orphan transcripts recovered", slog.Int("count", n))
	}

	for {
		delay := s.runOnce(ctx)
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-time.After(delay):
		}
	}
}

// runOnce performs one full connect cycle and returns how long to wait
// before the next attempt.
func (s *Session) runOnce(ctx context.Context) time.Duration {
	s.setState(StateIdle)

	info, err := s.api.GetRoomInfo(ctx, s.RoomID)
	if err != nil {
		return s.startupFailure("room info", err)
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	if !info.Live() {
		s.closeTranscript("stream ended")
		s.log.Debug("room offline; idling", slog.Duration("recheck", s.cfg.OfflinePollDelay))
		return s.cfg.OfflinePollDelay
	}

	connInfo, err := s.api.GetConnectInfo(ctx, s.RoomID)
	if err != nil {
		return s.startupFailure("connect info", err)
	}
	if len(connInfo.Hosts) == 0 {
		s.log.Warn("no danmaku hosts offered")
		return s.cfg.StartupRetryDelay
	}

	if err := s.ensureTranscript(info); err != nil {
		s.log.Error("transcript open failed", slog.Any("err", err))
		return s.cfg.StartupRetryDelay
	}

	s.setState(StateConnecting)
	host := connInfo.Hosts[s.nextHostIndex(len(connInfo.Hosts))]
	conn, err := s.dial(ctx, host)
	if err != nil {
		s.log.Warn("dial failed", slog.String("host", host.Host), slog.Any("err", err))
		return s.cfg.StartupRetryDelay
	}

	s.mu.Lock()
	s.conn = conn
	s.streamEnded = false
	s.mu.Unlock()
	connectedAt := time.Now()

	if err := s.sendAuth(connInfo.Token); err != nil {
		s.log.Warn("auth frame send failed", slog.Any("err", err))
		s.closing(conn)
		return s.cfg.ReconnectDelay
	}
	s.setState(StateAwaitingAuth)

	// Auth deadline: expiry is handled like any transport failure, by
	// force-closing the socket so the read loop unwinds.
	authTimer := time.AfterFunc(s.cfg.AuthDeadline, func() {
		if s.State() == StateAwaitingAuth {
			s.log.Warn("auth deadline expired; forcing close")
			conn.Close()
		}
	})

	loopDone := make(chan struct{})
	go s.heartbeatLoop(conn, loopDone)
	go s.livePollLoop(ctx, conn, loopDone)
	// Cancellation must unwind a blocked ReadMessage too; force-closing the
	// socket is the only way to interrupt it.
	go func() {
		select {
		case <-loopDone:
		case <-ctx.Done():
			conn.Close()
		}
	}()

	s.readLoop(conn)

	authTimer.Stop()
	close(loopDone)
	s.closing(conn)
	telemetry.Reconnects.Inc()
	s.log.Info("connection closed", slog.Duration("connected_for", time.Since(connectedAt).Round(time.Millisecond)))
	return s.cfg.ReconnectDelay
}

// startupFailure maps a pre-connect error to its backoff class.
func (s *Session) startupFailure(stage string, err error) time.Duration {
	if biliapi.IsRateLimited(err) {
		s.log.Warn("upstream rate limit; backing off", slog.String("stage", stage), slog.Any("err", err))
		return s.cfg.RateLimitDelay
	}
	s.log.Warn("startup failure", slog.String("stage", stage), slog.Any("err", err))
	return s.cfg.StartupRetryDelay
}

// nextHostIndex advances the round-robin cursor. Every reconnect lands on
// the next candidate, wrapping, so one dead edge host cannot wedge capture.
func (s *Session) nextHostIndex(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.hostIndex % n
	s.hostIndex++
	return i
}

func (s *Session) dial(ctx context.Context, host biliapi.Host) (*websocket.Conn, error) {
	scheme, port := "wss", host.WssPort
	if s.Insecure {
		scheme, port = "ws", host.WsPort
		if port == 0 {
			port = host.Port
		}
	}
	if port == 0 {
		port = 443
	}
	u := fmt.Sprintf("%s://%s:%d/sub", scheme, host.Host, port)
	s.log.Info("dialing danmaku host", slog.String("url", u))

	hdr := http.Header{}
	hdr.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	hdr.Set("Referer", "https://live.bilibili.com/"+s.RoomID)
	hdr.Set("Origin", "https://live.bilibili.com")
	if s.cfg.Cookie != "" {
		hdr.Set("Cookie", s.cfg.Cookie)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, hdr)
	return conn, err
}

func (s *Session) sendAuth(token string) error {
	s.mu.Lock()
	info := s.info
	conn := s.conn
	s.mu.Unlock()

	roomNum := int64(0)
	fmt.Sscanf(info.RoomID, "%d", &roomNum)
	body, err := EncodeJSONFrame(OpAuth, map[string]any{
		"uid":      s.cfg.CookieUID(),
		"roomid":   roomNum,
		"protover": 2,
		"platform": "web",
		"type":     2,
		"key":      token,
	})
	if err != nil {
		return err
	}
	return s.write(conn, body)
}

// write serializes frame writes; the heartbeat timer and the auth path must
// not interleave on the socket.
func (s *Session) write(conn *websocket.Conn, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read error", slog.Any("err", err))
			}
			return
		}
		for _, f := range DecodeFrames(data) {
			s.handleFrame(f)
		}
	}
}

func (s *Session) handleFrame(f Frame) {
	switch f.Op {
	case OpAuthSuccess:
		s.log.Info("authenticated")
		s.setState(StateLive)
	case OpHeartbeatReply:
		n := HeartbeatReplyCount(f.Body)
		s.mu.Lock()
		s.watchers = n
		s.mu.Unlock()
		telemetry.SetWatchers(s.RoomID, float64(n))
	case OpMessage:
		s.handleMessage(f.Body)
	}
}

// heartbeatLoop sends the empty heartbeat frame on the protocol's interval
// until the connection goes away. The first heartbeat waits for auth; the
// upstream tears down connections that heartbeat before authenticating.
func (s *Session) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if s.State() != StateLive {
				continue
			}
			if err := s.write(conn, EncodeFrame(OpHeartbeat, nil)); err != nil {
				s.log.Debug("heartbeat write failed", slog.Any("err", err))
				return
			}
		}
	}
}

// livePollLoop re-checks live status while connected. When the broadcast has
// actually ended the socket is force-closed with streamEnded set, which makes
// the closing path finalize the transcript instead of holding it open for a
// transient reconnect.
func (s *Session) livePollLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.LivePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := s.api.GetRoomInfo(ctx, s.RoomID)
			if err != nil {
				continue
			}
			if !info.Live() {
				s.log.Info("live check: broadcast ended; closing connection")
				s.mu.Lock()
				s.streamEnded = true
				s.mu.Unlock()
				conn.Close()
				return
			}
		}
	}
}

// closing releases the socket and, when the broadcast really ended,
// finalizes the transcript. A transient disconnect keeps the file open so
// the same session continues into it after reconnecting.
func (s *Session) closing(conn *websocket.Conn) {
	s.setState(StateClosing)
	conn.Close()
	s.mu.Lock()
	s.conn = nil
	ended := s.streamEnded
	s.mu.Unlock()
	if ended {
		s.closeTranscript("broadcast ended")
	}
	s.setState(StateIdle)
}

// shutdown finalizes on process exit; in-flight socket operations are
// abandoned without a close handshake.
func (s *Session) shutdown() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.closeTranscript("shutdown")
	s.setState(StateIdle)
}

func (s *Session) ensureTranscript(info biliapi.RoomInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return nil
	}
	w, err := OpenTranscript(s.cfg.DataDir, s.RoomID, info.Title, info.OwnerName, time.Now())
	if err != nil {
		return err
	}
	s.writer = w
	telemetry.ActiveTranscripts.Inc()
	s.log.Info("transcript opened", slog.String("path", w.Path()))
	return nil
}

func (s *Session) closeTranscript(reason string) {
	s.mu.Lock()
	w := s.writer
	s.writer = nil
	s.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Finalize(); err != nil {
		s.log.Error("transcript finalize failed", slog.Any("err", err))
		return
	}
	telemetry.ActiveTranscripts.Dec()
	s.log.Info("transcript finalized", slog.String("path", w.Path()), slog.String("reason", reason))
	if s.OnFinalize != nil {
		s.OnFinalize(w.Path())
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ---- inbound message dispatch ----

// handleMessage routes an OpMessage JSON body by its command tag into a
// normalized transcript append. Unknown commands are ignored; the firehose
// carries dozens of presentation-only events.
func (s *Session) handleMessage(body []byte) {
	var env struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return
	}

	s.mu.Lock()
	w := s.writer
	s.mu.Unlock()
	if w == nil {
		return
	}

	switch {
	case strings.HasPrefix(env.Cmd, "DANMU_MSG"):
		s.handleChat(w, body)
	case env.Cmd == "SEND_GIFT":
		s.handleGift(w, body)
	case env.Cmd == "SUPER_CHAT_MESSAGE":
		s.handleSuperChat(w, body)
	}
}

func (s *Session) handleChat(w *TranscriptWriter, body []byte) {
	var env struct {
		Info []json.RawMessage `json:"info"`
	}
	if err := json.Unmarshal(body, &env); err != nil || len(env.Info) < 3 {
		return
	}

	var meta []json.Number
	var text string
	var sender []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(env.Info[0]))
	dec.UseNumber()
	if err := dec.Decode(&meta); err != nil || len(meta) < 5 {
		return
	}
	if err := json.Unmarshal(env.Info[1], &text); err != nil {
		return
	}
	if err := json.Unmarshal(env.Info[2], &sender); err != nil || len(sender) < 2 {
		return
	}
	var uid json.Number
	var name string
	if err := json.Unmarshal(sender[0], &uid); err != nil {
		return
	}
	if err := json.Unmarshal(sender[1], &name); err != nil {
		return
	}
	tsMs, _ := meta[4].Int64()

	if err := w.AppendChat(text, name, uid.String(), tsMs); err != nil {
		s.log.Error("chat append failed", slog.Any("err", err))
		return
	}
	telemetry.EventsCaptured.WithLabelValues("chat").Inc()
}

func (s *Session) handleGift(w *TranscriptWriter, body []byte) {
	var env struct {
		Data struct {
			GiftName  string `json:"giftName"`
			Num       int64  `json:"num"`
			Price     int64  `json:"price"`
			Uname     string `json:"uname"`
			UID       int64  `json:"uid"`
			Timestamp int64  `json:"timestamp"` // seconds
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return
	}
	d := env.Data
	if err := w.AppendGift(d.GiftName, d.Num, d.Price, d.Uname, fmt.Sprintf("%d", d.UID), d.Timestamp*1000); err != nil {
		s.log.Error("gift append failed", slog.Any("err", err))
		return
	}
	telemetry.EventsCaptured.WithLabelValues("gift").Inc()
}

func (s *Session) handleSuperChat(w *TranscriptWriter, body []byte) {
	var env struct {
		Data struct {
			Price     int64  `json:"price"` // natural currency units
			Message   string `json:"message"`
			UID       int64  `json:"uid"`
			StartTime int64  `json:"start_time"` // seconds
			UserInfo  struct {
				Uname string `json:"uname"`
			} `json:"user_info"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return
	}
	d := env.Data
	if err := w.AppendSuperChat(d.Message, d.Price, d.UserInfo.Uname, fmt.Sprintf("%d", d.UID), d.StartTime*1000); err != nil {
		s.log.Error("superchat append failed", slog.Any("err", err))
		return
	}
	telemetry.EventsCaptured.WithLabelValues("superchat").Inc()
}
