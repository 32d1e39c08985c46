package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Transcript file extensions. A session writes to the provisional extension
// and atomically renames to the final one when the broadcast ends, so a file
// with the final extension is always a complete, trailer-terminated record.
const (
	provisionalExt = ".raw"
	finalExt       = ".xml"

	trailer = "</i>"
)

var unsafeFilenameChars = strings.NewReplacer(
	`\`, "_", `/`, "_", `:`, "_", `*`, "_", `?`, "_", `"`, "_", `<`, "_", `>`, "_", `|`, "_",
)

// Newlines are escaped too: the transcript grammar is one record per line,
// so a literal \n inside a message would split the record and lose it.
var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "\n", "&#10;", "\r", "&#13;")

// TranscriptWriter owns exactly one open transcript file for an active
// session. Appends are serialized through its mutex; a given session only
// ever has one writer.
type TranscriptWriter struct {
	mu        sync.Mutex
	f         *os.File
	tempPath  string
	finalPath string
	startMs   int64
	finalized bool
}

// OpenTranscript creates a fresh transcript under dataRoot/<roomID>/ with the
// header block and returns the live writer. The filename embeds the start
// time and the sanitized broadcast title.
func OpenTranscript(dataRoot, roomID, title, streamerName string, start time.Time) (*TranscriptWriter, error) {
	dir := filepath.Join(dataRoot, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	base := start.UTC().Format("2006-01-02 15-04-05") + " " + unsafeFilenameChars.Replace(title)
	tempPath := filepath.Join(dir, base+provisionalExt)
	finalPath := filepath.Join(dir, base+finalExt)

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}

	startMs := start.UnixMilli()
	header := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<i>
  <room_id>%s</room_id>
  <room_title>%s</room_title>
  <user_name>%s</user_name>
  <video_start_time>%d</video_start_time>
`, xmlEscaper.Replace(roomID), xmlEscaper.Replace(title), xmlEscaper.Replace(streamerName), startMs)
	if _, err := f.WriteString(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write transcript header: %w", err)
	}

	return &TranscriptWriter{f: f, tempPath: tempPath, finalPath: finalPath, startMs: startMs}, nil
}

// StartMs returns the broadcast start time written in the header.
func (w *TranscriptWriter) StartMs() int64 { return w.startMs }

// Path returns the provisional path while open, the final path after Finalize.
func (w *TranscriptWriter) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return w.finalPath
	}
	return w.tempPath
}

// AppendChat records one chat message. The packed attribute mirrors the
// platform's positional convention so historical tooling keeps working:
// "t,mode,size,color,tsMs,pool,senderId,row".
func (w *TranscriptWriter) AppendChat(text, sender, senderID string, tsMs int64) error {
	packed := fmt.Sprintf("0,1,25,16777215,%d,0,%s,0", tsMs, xmlEscaper.Replace(senderID))
	line := fmt.Sprintf(`<chat packed="%s" user="%s" uid="%s" timestamp="%d">%s</chat>`,
		packed, xmlEscaper.Replace(sender), xmlEscaper.Replace(senderID), tsMs, xmlEscaper.Replace(text))
	return w.appendLine(line)
}

// AppendGift records one gift. Price arrives in the platform's 1/1000
// currency unit; the ts capture-time attribute doubles as the marker that
// tells the ingestion side to normalize it.
func (w *TranscriptWriter) AppendGift(giftName string, count, price int64, sender, senderID string, tsMs int64) error {
	line := fmt.Sprintf(`<gift ts="%d" giftname="%s" giftcount="%d" price="%d" user="%s" uid="%s" timestamp="%d" />`,
		time.Now().UnixMilli(), xmlEscaper.Replace(giftName), count, price,
		xmlEscaper.Replace(sender), xmlEscaper.Replace(senderID), tsMs)
	return w.appendLine(line)
}

// AppendSuperChat records one paid message. Price is already in natural
// currency units, so no ts marker is written.
func (w *TranscriptWriter) AppendSuperChat(text string, price int64, sender, senderID string, tsMs int64) error {
	line := fmt.Sprintf(`<sc price="%d" user="%s" uid="%s" timestamp="%d">%s</sc>`,
		price, xmlEscaper.Replace(sender), xmlEscaper.Replace(senderID), tsMs, xmlEscaper.Replace(text))
	return w.appendLine(line)
}

func (w *TranscriptWriter) appendLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized || w.f == nil {
		return fmt.Errorf("transcript already finalized")
	}
	// Unbuffered append: each record reaches the OS before the call returns,
	// so a process crash loses at most the write in flight.
	_, err := w.f.WriteString(line + "\n")
	return err
}

// Finalize appends the trailer, closes the file, and atomically renames it to
// its final extension. Safe to call more than once.
func (w *TranscriptWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return nil
	}
	if _, err := w.f.WriteString(trailer + "\n"); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync transcript: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		return fmt.Errorf("finalize transcript: %w", err)
	}
	w.finalized = true
	w.f = nil
	return nil
}

var roomIDHeaderPattern = regexp.MustCompile(`<room_id>(\d+)</room_id>`)

// RecoverOrphans repairs provisional transcripts left behind by an unclean
// shutdown: it appends the trailer when missing and renames the file to its
// final extension so the ingestor will pick it up. When roomID is non-empty,
// only files whose header names that room are touched; the data root is
// shared and another room's live session may be writing next door. Returns
// the number of repaired files.
func RecoverOrphans(dataRoot, roomID string) (int, error) {
	dirs := []string{dataRoot}
	if roomID != "" {
		dirs = append(dirs, filepath.Join(dataRoot, roomID))
	}

	recovered := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return recovered, fmt.Errorf("read transcript dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), provisionalExt) {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if roomID != "" && sniffRoomID(p) != roomID {
				continue
			}
			if err := repairOrphan(p); err != nil {
				slog.Warn("orphan transcript repair failed", slog.String("path", p), slog.Any("err", err))
				continue
			}
			slog.Info("recovered orphan transcript", slog.String("path", p))
			recovered++
		}
	}
	return recovered, nil
}

// sniffRoomID reads the head of a provisional file and extracts the room id
// from its header block. Returns "" when the header is absent or unreadable.
func sniffRoomID(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	buf := make([]byte, 1024)
	n, _ := f.Read(buf)
	if m := roomIDHeaderPattern.FindSubmatch(buf[:n]); m != nil {
		return string(m[1])
	}
	return ""
}

func repairOrphan(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(strings.TrimSpace(string(content)), trailer) {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(trailer + "\n"); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return os.Rename(path, strings.TrimSuffix(path, provisionalExt)+finalExt)
}
