package ingest

import "strings"

// SongRequestKeyword is the fixed chat convention: a message whose trimmed
// text starts with this prefix requests the remainder as a song.
const SongRequestKeyword = "点歌"

// SongRequest is one extracted request. Singer stays empty unless resolved
// by an external lookup later.
type SongRequest struct {
	Requester    string
	RequesterUID string
	Title        string
	Singer       string
	CreatedAtMs  int64
}

// ExtractSongRequests scans chat events for the request convention. Gift and
// superchat text never counts, and a bare keyword with an empty remainder is
// discarded.
func ExtractSongRequests(events []Event) []SongRequest {
	var out []SongRequest
	for _, ev := range events {
		if ev.Kind != EventChat {
			continue
		}
		text := strings.TrimSpace(ev.Text)
		rest, ok := strings.CutPrefix(text, SongRequestKeyword)
		if !ok {
			continue
		}
		title := strings.TrimSpace(rest)
		if title == "" {
			continue
		}
		out = append(out, SongRequest{
			Requester:    ev.Sender,
			RequesterUID: ev.SenderID,
			Title:        title,
			CreatedAtMs:  ev.TimestampMs,
		})
	}
	return out
}
