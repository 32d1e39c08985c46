// Package catalog is the durable session store: metadata, serialized
// analytics blobs, and song requests, with the filter/sort/paginate queries
// the query surface consumes.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound marks a lookup for a session id that does not exist.
var ErrNotFound = errors.New("session not found")

// ErrTranscriptMissing marks a page retrieval whose backing transcript file
// is gone. Analytics remain servable from the stored blobs.
var ErrTranscriptMissing = errors.New("transcript source file missing")

// Store provides catalog access. DataDir is the transcript root that stored
// relative paths resolve against.
type Store struct {
	DB              *sql.DB
	DataDir         string
	DefaultPageSize int
}

// Session is one captured broadcast.
type Session struct {
	ID              int64           `json:"id"`
	RoomID          string          `json:"room_id"`
	Title           string          `json:"title"`
	StreamerName    string          `json:"streamer_name"`
	StartTimeMs     int64           `json:"start_time"`
	EndTimeMs       int64           `json:"end_time"`
	TranscriptPath  string          `json:"transcript_path"`
	ChatSummary     json.RawMessage `json:"chat_summary,omitempty"`
	MonetarySummary json.RawMessage `json:"monetary_summary,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

// Filters narrows session listings. Zero values mean "no constraint".
type Filters struct {
	StreamerName  string
	StartTimeFrom int64
	StartTimeTo   int64
}

func (f Filters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.StreamerName != "" {
		args = append(args, f.StreamerName)
		clauses = append(clauses, fmt.Sprintf("user_name = $%d", len(args)))
	}
	if f.StartTimeFrom > 0 {
		args = append(args, f.StartTimeFrom)
		clauses = append(clauses, fmt.Sprintf("start_time >= $%d", len(args)))
	}
	if f.StartTimeTo > 0 {
		args = append(args, f.StartTimeTo)
		clauses = append(clauses, fmt.Sprintf("start_time <= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListSessions returns sessions matching the filters, newest first. The
// summary blobs are omitted; GetSession loads them.
func (s *Store) ListSessions(ctx context.Context, f Filters) ([]Session, error) {
	where, args := f.where()
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, room_id, COALESCE(title,''), COALESCE(user_name,''), start_time, COALESCE(end_time,0), COALESCE(file_path,''), created_at::text
		 FROM sessions`+where+` ORDER BY start_time DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.RoomID, &sess.Title, &sess.StreamerName,
			&sess.StartTimeMs, &sess.EndTimeMs, &sess.TranscriptPath, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CountSessions returns how many sessions match the filters.
func (s *Store) CountSessions(ctx context.Context, f Filters) (int, error) {
	where, args := f.where()
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`+where, args...).Scan(&n)
	return n, err
}

// Streamer is one distinct streamer with a representative room id (the room
// of their most recent session; streamers move rooms).
type Streamer struct {
	StreamerName string `json:"streamer_name"`
	RoomID       string `json:"room_id"`
}

// ListStreamers returns one row per distinct streamer name.
func (s *Store) ListStreamers(ctx context.Context) ([]Streamer, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT DISTINCT ON (user_name) user_name, room_id
		 FROM sessions WHERE user_name IS NOT NULL AND user_name <> ''
		 ORDER BY user_name ASC, start_time DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Streamer
	for rows.Next() {
		var st Streamer
		if err := rows.Scan(&st.StreamerName, &st.RoomID); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetSession loads one session including analytics blobs.
func (s *Store) GetSession(ctx context.Context, id int64) (Session, error) {
	var sess Session
	var chat, money sql.NullString
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, room_id, COALESCE(title,''), COALESCE(user_name,''), start_time, COALESCE(end_time,0), COALESCE(file_path,''), chat_summary_json, monetary_summary_json, created_at::text
		 FROM sessions WHERE id=$1`, id).
		Scan(&sess.ID, &sess.RoomID, &sess.Title, &sess.StreamerName, &sess.StartTimeMs,
			&sess.EndTimeMs, &sess.TranscriptPath, &chat, &money, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if chat.Valid {
		sess.ChatSummary = json.RawMessage(chat.String)
	}
	if money.Valid {
		sess.MonetarySummary = json.RawMessage(money.String)
	}
	return sess, nil
}

// SongRequest is one catalog row of the request log.
type SongRequest struct {
	ID           int64  `json:"id"`
	SessionID    int64  `json:"session_id,omitempty"`
	RoomID       string `json:"room_id"`
	Requester    string `json:"requester"`
	RequesterUID string `json:"requester_uid"`
	SongTitle    string `json:"song_title"`
	Singer       string `json:"singer,omitempty"`
	CreatedAtMs  int64  `json:"created_at_ms"`
}

// ListSongRequests returns the requests extracted from one session.
func (s *Store) ListSongRequests(ctx context.Context, sessionID int64) ([]SongRequest, error) {
	return s.songRequests(ctx, `session_id = $1`, sessionID)
}

// ListSongRequestsByChannel returns every request logged for a room.
func (s *Store) ListSongRequestsByChannel(ctx context.Context, roomID string) ([]SongRequest, error) {
	return s.songRequests(ctx, `room_id = $1`, roomID)
}

func (s *Store) songRequests(ctx context.Context, where string, arg any) ([]SongRequest, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, COALESCE(session_id,0), room_id, COALESCE(requester,''), COALESCE(requester_uid,''), song_title, COALESCE(singer,''), COALESCE(created_at_ms,0)
		 FROM song_requests WHERE `+where+` ORDER BY created_at_ms ASC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SongRequest
	for rows.Next() {
		var r SongRequest
		if err := rows.Scan(&r.ID, &r.SessionID, &r.RoomID, &r.Requester, &r.RequesterUID,
			&r.SongTitle, &r.Singer, &r.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
