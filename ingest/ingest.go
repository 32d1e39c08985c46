package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kotonoha/danmaku-archiver/db"
	"github.com/kotonoha/danmaku-archiver/telemetry"
)

// Ingestor parses finalized transcripts into the session catalog. It is safe
// to run the same file through it any number of times: the dedup key
// (room_id, start_time) makes re-ingestion a no-op apart from path updates
// and song-request backfill.
type Ingestor struct {
	DB      *sql.DB
	DataDir string
	// Workers bounds concurrent file parsing during a scan. Upserts are
	// serialized per dedup key by the unique constraint, not by the pool.
	Workers int
}

func (ing *Ingestor) workers() int {
	if ing.Workers > 0 {
		return ing.Workers
	}
	return 4
}

// Scan walks the transcript tree and ingests every finalized file, returning
// the number of newly created sessions. Files that fail to parse are logged
// and skipped; the scan keeps going.
func (ing *Ingestor) Scan(ctx context.Context) (int, error) {
	scanID := uuid.NewString()[:8]
	log := slog.Default().With(slog.String("scan", scanID), slog.String("component", "ingest"))

	var files []string
	var created atomic.Int64
	var scanErr error
	took := telemetry.TimeFunc(telemetry.ScanDuration, func() {
		err := filepath.WalkDir(ing.DataDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == ing.DataDir {
					return fs.SkipAll
				}
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), ".xml") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			scanErr = fmt.Errorf("walk transcript tree: %w", err)
			return
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(ing.workers())
		for _, path := range files {
			g.Go(func() error {
				_, isNew, err := ing.IngestFile(gctx, path)
				if err != nil {
					log.Warn("transcript ingest failed; skipping", slog.String("path", path), slog.Any("err", err))
					return nil
				}
				if isNew {
					created.Add(1)
				}
				return nil
			})
		}
		scanErr = g.Wait()
	})
	if scanErr != nil {
		return int(created.Load()), scanErr
	}

	telemetry.SessionsIngested.Add(float64(created.Load()))
	log.Info("scan complete", slog.Int("files", len(files)), slog.Int64("new_sessions", created.Load()),
		slog.Duration("took", took.Round(time.Millisecond)))
	return int(created.Load()), nil
}

// IngestFile parses one finalized transcript and upserts its session.
// Returns the session id and whether the session was newly created.
//
// Re-ingesting a known session updates the stored path when the file moved
// and backfills song requests only when the session has none yet.
func (ing *Ingestor) IngestFile(ctx context.Context, path string) (int64, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, false, fmt.Errorf("read transcript: %w", err)
	}
	meta, events, err := ParseTranscript(string(content))
	if err != nil {
		return 0, false, err
	}

	// Capture order is not monotonic; concurrent callbacks interleave.
	sortEvents(events)

	relPath, err := ing.relPath(path)
	if err != nil {
		return 0, false, err
	}

	// Known session: path refresh + idempotent song backfill only.
	var existingID int64
	var existingPath sql.NullString
	err = ing.DB.QueryRowContext(ctx,
		`SELECT id, file_path FROM sessions WHERE room_id=$1 AND start_time=$2`,
		meta.RoomID, meta.StartMs).Scan(&existingID, &existingPath)
	switch {
	case err == nil:
		return existingID, false, ing.refreshExisting(ctx, existingID, existingPath.String, relPath, meta, events)
	case err != sql.ErrNoRows:
		return 0, false, fmt.Errorf("dedup lookup: %w", err)
	}

	chat := ComputeChatAnalytics(events)
	money := ComputeMonetaryAnalytics(events)
	chatJSON, err := json.Marshal(chat)
	if err != nil {
		return 0, false, err
	}
	moneyJSON, err := json.Marshal(money)
	if err != nil {
		return 0, false, err
	}

	endMs := meta.StartMs
	if len(events) > 0 {
		endMs = events[len(events)-1].TimestampMs
	}

	// The unique constraint serializes racing workers on the same dedup key:
	// exactly one insert wins, the loser re-reads and takes the known-session
	// path.
	var id int64
	err = ing.DB.QueryRowContext(ctx,
		`INSERT INTO sessions (room_id, title, user_name, start_time, end_time, file_path, chat_summary_json, monetary_summary_json)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (room_id, start_time) DO NOTHING
		 RETURNING id`,
		meta.RoomID, meta.Title, meta.StreamerName, meta.StartMs, endMs, relPath, string(chatJSON), string(moneyJSON)).Scan(&id)
	if err == sql.ErrNoRows {
		// Lost the race; another worker created it between lookup and insert.
		if err := ing.DB.QueryRowContext(ctx,
			`SELECT id, file_path FROM sessions WHERE room_id=$1 AND start_time=$2`,
			meta.RoomID, meta.StartMs).Scan(&existingID, &existingPath); err != nil {
			return 0, false, fmt.Errorf("post-conflict lookup: %w", err)
		}
		return existingID, false, ing.refreshExisting(ctx, existingID, existingPath.String, relPath, meta, events)
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert session: %w", err)
	}

	if err := ing.insertSongRequests(ctx, id, meta.RoomID, ExtractSongRequests(events)); err != nil {
		return id, true, err
	}
	slog.Info("session ingested", slog.Int64("session", id), slog.String("room", meta.RoomID),
		slog.String("path", relPath), slog.Int("events", len(events)), slog.String("component", "ingest"))
	return id, true, nil
}

func (ing *Ingestor) refreshExisting(ctx context.Context, id int64, storedPath, relPath string, meta Meta, events []Event) error {
	if storedPath != relPath {
		if _, err := ing.DB.ExecContext(ctx, `UPDATE sessions SET file_path=$1 WHERE id=$2`, relPath, id); err != nil {
			return fmt.Errorf("update session path: %w", err)
		}
		slog.Info("session path updated", slog.Int64("session", id), slog.String("path", relPath), slog.String("component", "ingest"))
	}

	var songCount int
	if err := ing.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM song_requests WHERE session_id=$1`, id).Scan(&songCount); err != nil {
		return fmt.Errorf("song request count: %w", err)
	}
	if songCount > 0 {
		return nil
	}
	return ing.insertSongRequests(ctx, id, meta.RoomID, ExtractSongRequests(events))
}

func (ing *Ingestor) insertSongRequests(ctx context.Context, sessionID int64, roomID string, reqs []SongRequest) error {
	for _, r := range reqs {
		if _, err := ing.DB.ExecContext(ctx,
			`INSERT INTO song_requests (session_id, room_id, requester, requester_uid, song_title, created_at_ms)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			sessionID, roomID, r.Requester, r.RequesterUID, r.Title, r.CreatedAtMs); err != nil {
			return fmt.Errorf("insert song request: %w", err)
		}
	}
	return nil
}

// relPath stores paths relative to the data root with POSIX separators so
// the catalog survives data-root relocation and platform changes.
func (ing *Ingestor) relPath(path string) (string, error) {
	absRoot, err := filepath.Abs(ing.DataDir)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return "", fmt.Errorf("relativize transcript path: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func sortEvents(events []Event) {
	// Stable: events in the same millisecond keep capture order.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TimestampMs < events[j].TimestampMs
	})
}

// StartScanJob rescans the transcript tree on an interval until ctx is
// canceled, recording a heartbeat in kv. An immediate scan runs at boot so
// files finalized while the service was down are picked up right away.
func StartScanJob(ctx context.Context, ing *Ingestor, interval time.Duration) {
	slog.Info("scan job starting", slog.Duration("interval", interval), slog.String("component", "ingest"))
	runScan(ctx, ing)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("scan job stopped", slog.String("component", "ingest"))
			return
		case <-ticker.C:
			runScan(ctx, ing)
		}
	}
}

func runScan(ctx context.Context, ing *Ingestor) {
	if _, err := ing.Scan(ctx); err != nil {
		slog.Warn("scan failed", slog.Any("err", err), slog.String("component", "ingest"))
		return
	}
	_ = db.SetKV(ctx, ing.DB, "job_scan_last", time.Now().UTC().Format(time.RFC3339))
}
