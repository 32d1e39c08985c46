package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kotonoha/danmaku-archiver/testutil"
)

const testRoom = "889001"

func setupCatalogDB(t *testing.T) *sql.DB {
	t.Helper()
	database := testutil.SetupTestDB(t)
	cleanup := func() {
		_, _ = database.Exec(`DELETE FROM song_requests WHERE room_id LIKE '889%'`)
		_, _ = database.Exec(`DELETE FROM sessions WHERE room_id LIKE '889%'`)
	}
	cleanup()
	t.Cleanup(cleanup)
	return database
}

func insertSession(t *testing.T, database *sql.DB, roomID, title, userName string, startMs int64, path string) int64 {
	t.Helper()
	var id int64
	err := database.QueryRow(
		`INSERT INTO sessions (room_id, title, user_name, start_time, end_time, file_path, chat_summary_json, monetary_summary_json)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		roomID, title, userName, startMs, startMs+3600_000, path, `{"totalCount":1}`, `{"totalValue":0}`).Scan(&id)
	if err != nil {
		t.Fatalf("insert session: %v", err)
	}
	return id
}

func TestListSessionsAndFilters(t *testing.T) {
	database := setupCatalogDB(t)
	ctx := context.Background()
	store := &Store{DB: database}

	insertSession(t, database, testRoom, "s1", "alice", 1700000000000, "a.xml")
	insertSession(t, database, testRoom, "s2", "alice", 1700100000000, "b.xml")
	insertSession(t, database, "889002", "s3", "bob", 1700200000000, "c.xml")

	all, err := store.ListSessions(ctx, Filters{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("listed %d sessions, want 3", len(all))
	}
	// Newest first.
	if all[0].Title != "s3" || all[2].Title != "s1" {
		t.Errorf("order = %q, %q, %q", all[0].Title, all[1].Title, all[2].Title)
	}
	// Blobs omitted from listings.
	if all[0].ChatSummary != nil {
		t.Error("listing included chat summary blob")
	}

	byName, err := store.ListSessions(ctx, Filters{StreamerName: "alice"})
	if err != nil {
		t.Fatalf("ListSessions filtered: %v", err)
	}
	if len(byName) != 2 {
		t.Errorf("alice sessions = %d, want 2", len(byName))
	}

	byRange, err := store.ListSessions(ctx, Filters{StartTimeFrom: 1700050000000, StartTimeTo: 1700150000000})
	if err != nil {
		t.Fatalf("ListSessions ranged: %v", err)
	}
	if len(byRange) != 1 || byRange[0].Title != "s2" {
		t.Errorf("ranged sessions = %+v", byRange)
	}

	n, err := store.CountSessions(ctx, Filters{StreamerName: "alice"})
	if err != nil {
		t.Fatalf("CountSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestListStreamers(t *testing.T) {
	database := setupCatalogDB(t)
	ctx := context.Background()
	store := &Store{DB: database}

	insertSession(t, database, "889010", "old", "alice", 1700000000000, "a.xml")
	insertSession(t, database, "889011", "new", "alice", 1700100000000, "b.xml")
	insertSession(t, database, "889012", "only", "bob", 1700000000000, "c.xml")

	streamers, err := store.ListStreamers(ctx)
	if err != nil {
		t.Fatalf("ListStreamers: %v", err)
	}
	if len(streamers) != 2 {
		t.Fatalf("streamers = %+v, want 2", streamers)
	}
	// One row per name; the representative room is the most recent session's.
	if streamers[0].StreamerName != "alice" || streamers[0].RoomID != "889011" {
		t.Errorf("streamer 0 = %+v", streamers[0])
	}
	if streamers[1].StreamerName != "bob" || streamers[1].RoomID != "889012" {
		t.Errorf("streamer 1 = %+v", streamers[1])
	}
}

func TestGetSession(t *testing.T) {
	database := setupCatalogDB(t)
	ctx := context.Background()
	store := &Store{DB: database}

	id := insertSession(t, database, testRoom, "s1", "alice", 1700000000000, "a.xml")
	sess, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Title != "s1" || string(sess.ChatSummary) != `{"totalCount":1}` {
		t.Errorf("session = %+v", sess)
	}

	if _, err := store.GetSession(ctx, id+100000); !errors.Is(err, ErrNotFound) {
		t.Errorf("absent session error = %v, want ErrNotFound", err)
	}
}

func TestSongRequestListing(t *testing.T) {
	database := setupCatalogDB(t)
	ctx := context.Background()
	store := &Store{DB: database}

	id1 := insertSession(t, database, testRoom, "s1", "alice", 1700000000000, "a.xml")
	id2 := insertSession(t, database, testRoom, "s2", "alice", 1700100000000, "b.xml")
	for i, req := range []struct {
		session int64
		title   string
		tsMs    int64
	}{
		{id1, "稻香", 1700000002000},
		{id1, "晴天", 1700000001000},
		{id2, "七里香", 1700100001000},
	} {
		if _, err := database.Exec(
			`INSERT INTO song_requests (session_id, room_id, requester, requester_uid, song_title, created_at_ms)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			req.session, testRoom, fmt.Sprintf("user%d", i), fmt.Sprintf("%d", i), req.title, req.tsMs); err != nil {
			t.Fatal(err)
		}
	}

	bySession, err := store.ListSongRequests(ctx, id1)
	if err != nil {
		t.Fatalf("ListSongRequests: %v", err)
	}
	if len(bySession) != 2 {
		t.Fatalf("session requests = %d, want 2", len(bySession))
	}
	// Chronological by request time.
	if bySession[0].SongTitle != "晴天" || bySession[1].SongTitle != "稻香" {
		t.Errorf("order = %q, %q", bySession[0].SongTitle, bySession[1].SongTitle)
	}

	byRoom, err := store.ListSongRequestsByChannel(ctx, testRoom)
	if err != nil {
		t.Fatalf("ListSongRequestsByChannel: %v", err)
	}
	if len(byRoom) != 3 {
		t.Errorf("room requests = %d, want 3", len(byRoom))
	}
}

func writePagedTranscript(t *testing.T, dataDir, rel string, startMs int64, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<i>\n")
	b.WriteString("  <room_id>" + testRoom + "</room_id>\n")
	b.WriteString("  <room_title>paging</room_title>\n")
	b.WriteString("  <user_name>alice</user_name>\n")
	fmt.Fprintf(&b, "  <video_start_time>%d</video_start_time>\n", startMs)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<chat user="u" uid="1" timestamp="%d">msg %03d</chat>`+"\n", startMs+int64(i)*1000, i)
	}
	b.WriteString("</i>\n")

	p := filepath.Join(dataDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGetTranscriptPage(t *testing.T) {
	database := setupCatalogDB(t)
	ctx := context.Background()
	dataDir := t.TempDir()
	store := &Store{DB: database, DataDir: dataDir, DefaultPageSize: 200}

	const startMs = 1700000000000
	rel := testRoom + "/2026-03-01 20-00-00 paging.xml"
	writePagedTranscript(t, dataDir, rel, startMs, 250)
	id := insertSession(t, database, testRoom, "paging", "alice", startMs, rel)

	page, err := store.GetTranscriptPage(ctx, id, 2, 100)
	if err != nil {
		t.Fatalf("GetTranscriptPage: %v", err)
	}
	if page.Total != 250 || page.TotalPages != 3 || page.Page != 2 || page.PageSize != 100 {
		t.Errorf("page meta = %+v", page)
	}
	if len(page.Messages) != 100 {
		t.Fatalf("page has %d messages, want 100", len(page.Messages))
	}
	if page.Messages[0].Text != "msg 100" || page.Messages[99].Text != "msg 199" {
		t.Errorf("page bounds = %q .. %q", page.Messages[0].Text, page.Messages[99].Text)
	}
	if page.Messages[0].Time != 100 {
		t.Errorf("relative time = %d, want 100", page.Messages[0].Time)
	}

	// Last, partial page.
	page, err = store.GetTranscriptPage(ctx, id, 3, 100)
	if err != nil {
		t.Fatalf("GetTranscriptPage page 3: %v", err)
	}
	if len(page.Messages) != 50 {
		t.Errorf("last page has %d messages, want 50", len(page.Messages))
	}

	// Past the end: empty page, same totals.
	page, err = store.GetTranscriptPage(ctx, id, 9, 100)
	if err != nil {
		t.Fatalf("GetTranscriptPage page 9: %v", err)
	}
	if len(page.Messages) != 0 || page.Total != 250 {
		t.Errorf("out of range page = %+v", page)
	}

	// Non-positive sizes use the store default.
	page, err = store.GetTranscriptPage(ctx, id, 1, 0)
	if err != nil {
		t.Fatalf("GetTranscriptPage default size: %v", err)
	}
	if page.PageSize != 200 || len(page.Messages) != 200 {
		t.Errorf("default size page = %d/%d", page.PageSize, len(page.Messages))
	}
}

func TestGetTranscriptPageRelocatedFile(t *testing.T) {
	database := setupCatalogDB(t)
	ctx := context.Background()
	dataDir := t.TempDir()
	store := &Store{DB: database, DataDir: dataDir, DefaultPageSize: 200}

	const startMs = 1700000000000
	// Stored path points elsewhere; the file lives in the room subdirectory.
	writePagedTranscript(t, dataDir, testRoom+"/moved.xml", startMs, 3)
	id := insertSession(t, database, testRoom, "moved", "alice", startMs, "oldplace/moved.xml")

	page, err := store.GetTranscriptPage(ctx, id, 1, 10)
	if err != nil {
		t.Fatalf("GetTranscriptPage: %v", err)
	}
	if page.Total != 3 {
		t.Errorf("total = %d, want 3", page.Total)
	}
}

func TestGetTranscriptPageMissingFile(t *testing.T) {
	database := setupCatalogDB(t)
	ctx := context.Background()
	store := &Store{DB: database, DataDir: t.TempDir(), DefaultPageSize: 200}

	id := insertSession(t, database, testRoom, "gone", "alice", 1700000000000, "nowhere.xml")
	if _, err := store.GetTranscriptPage(ctx, id, 1, 10); !errors.Is(err, ErrTranscriptMissing) {
		t.Errorf("missing file error = %v, want ErrTranscriptMissing", err)
	}
}
