package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kotonoha/danmaku-archiver/ingest"
)

// Message is one chat or superchat record rendered for page retrieval.
type Message struct {
	Time        int64   `json:"time"` // seconds since broadcast start
	TimestampMs int64   `json:"timestamp"`
	Sender      string  `json:"sender"`
	UID         string  `json:"uid"`
	Text        string  `json:"text"`
	Price       float64 `json:"price,omitempty"`
	IsSuperChat bool    `json:"isSC"`
}

// TranscriptPage is one slice of a session's raw transcript.
type TranscriptPage struct {
	Messages   []Message `json:"messages"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	TotalPages int       `json:"totalPages"`
}

// GetTranscriptPage re-reads the session's raw transcript file and returns
// the requested page of chat/superchat records, each with its offset from
// broadcast start. Gift records are excluded; they are analytics, not
// readable messages. Prices use the same unit heuristic as ingestion, so
// page totals and stored analytics can never disagree.
//
// A relocated file is found via a basename fallback in the data root and the
// per-room subdirectory; a file missing everywhere surfaces
// ErrTranscriptMissing while the stored analytics stay available.
func (s *Store) GetTranscriptPage(ctx context.Context, sessionID int64, page, pageSize int) (TranscriptPage, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return TranscriptPage{}, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.DefaultPageSize
		if pageSize <= 0 {
			pageSize = 200
		}
	}

	path, err := s.resolveTranscript(sess)
	if err != nil {
		return TranscriptPage{}, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return TranscriptPage{}, fmt.Errorf("%w: %s", ErrTranscriptMissing, sess.TranscriptPath)
	}

	var messages []Message
	for _, line := range strings.Split(string(content), "\n") {
		t, err := ingest.ScanTag(line)
		if err != nil {
			continue
		}
		if t.Name != "chat" && t.Name != "d" && t.Name != "sc" {
			continue
		}
		ev := ingest.EventFromTag(t)
		if ev == nil || (ev.Sender == "" && ev.Text == "") {
			continue
		}
		rel := (ev.TimestampMs - sess.StartTimeMs) / 1000
		if rel < 0 {
			rel = 0
		}
		messages = append(messages, Message{
			Time:        rel,
			TimestampMs: ev.TimestampMs,
			Sender:      ev.Sender,
			UID:         ev.SenderID,
			Text:        ev.Text,
			Price:       ev.Price,
			IsSuperChat: ev.Kind == ingest.EventSuperChat,
		})
	}

	sort.SliceStable(messages, func(i, j int) bool { return messages[i].Time < messages[j].Time })

	total := len(messages)
	totalPages := (total + pageSize - 1) / pageSize
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return TranscriptPage{
		Messages:   messages[start:end],
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// resolveTranscript maps the stored relative path to a readable file,
// falling back to the basename in the data root and then the per-room
// subdirectory when the file has been moved without a rescan.
func (s *Store) resolveTranscript(sess Session) (string, error) {
	if sess.TranscriptPath == "" {
		return "", fmt.Errorf("%w: no path recorded", ErrTranscriptMissing)
	}
	stored := filepath.Join(s.DataDir, filepath.FromSlash(sess.TranscriptPath))
	if fileExists(stored) {
		return stored, nil
	}

	base := filepath.Base(filepath.FromSlash(sess.TranscriptPath))
	if p := filepath.Join(s.DataDir, base); fileExists(p) {
		return p, nil
	}
	if sess.RoomID != "" {
		if p := filepath.Join(s.DataDir, sess.RoomID, base); fileExists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTranscriptMissing, sess.TranscriptPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
