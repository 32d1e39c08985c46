// Package ingest turns finalized transcript files into typed events, derived
// analytics, and catalog rows.
package ingest

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKind discriminates the transcript event union.
type EventKind int

const (
	EventChat EventKind = iota
	EventGift
	EventSuperChat
)

// Event is one normalized transcript record. Price is always in natural
// currency units; the legacy ×1000 convention is resolved at parse time.
type Event struct {
	Kind        EventKind
	Text        string
	Sender      string
	SenderID    string
	TimestampMs int64
	GiftName    string
	GiftCount   int64
	Price       float64
	LegacyUnits bool // the record carried the legacy unit marker
}

// Meta is the transcript header block.
type Meta struct {
	RoomID       string
	Title        string
	StreamerName string
	StartMs      int64
}

// Tag is one scanned record: name, attribute map, inner text. The transcript
// grammar is line-oriented pseudo-XML written by several generations of
// recorders; attribute order varies and inner text may contain bare markup,
// so a tolerant hand scanner beats encoding/xml here.
type Tag struct {
	Name        string
	Attrs       map[string]string
	Text        string
	SelfClosing bool
}

var xmlUnescaper = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#10;", "\n", "&#13;", "\r")

// ScanTag parses a single line into a Tag. Returns an error for anything
// that is not one complete tag; callers skip such lines.
func ScanTag(line string) (*Tag, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") || strings.HasPrefix(line, "<?") || strings.HasPrefix(line, "</") {
		return nil, fmt.Errorf("not an opening tag")
	}

	i := 1
	start := i
	for i < len(line) && isNameByte(line[i]) {
		i++
	}
	if i == start {
		return nil, fmt.Errorf("missing tag name")
	}
	t := &Tag{Name: line[start:i], Attrs: map[string]string{}}

	for {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			return nil, fmt.Errorf("unterminated tag")
		}
		if strings.HasPrefix(line[i:], "/>") {
			t.SelfClosing = true
			return t, nil
		}
		if line[i] == '>' {
			i++
			break
		}
		// attribute: key="value"
		ks := i
		for i < len(line) && line[i] != '=' && line[i] != ' ' && line[i] != '>' {
			i++
		}
		if i >= len(line) || line[i] != '=' || i+1 >= len(line) || line[i+1] != '"' {
			return nil, fmt.Errorf("malformed attribute near %q", line[ks:min(ks+12, len(line))])
		}
		key := line[ks:i]
		i += 2
		ve := strings.IndexByte(line[i:], '"')
		if ve < 0 {
			return nil, fmt.Errorf("unterminated attribute value for %q", key)
		}
		t.Attrs[key] = xmlUnescaper.Replace(line[i : i+ve])
		i += ve + 1
	}

	// inner text up to the matching close tag
	closing := "</" + t.Name + ">"
	end := strings.LastIndex(line[i:], closing)
	if end < 0 {
		return nil, fmt.Errorf("missing %s", closing)
	}
	t.Text = xmlUnescaper.Replace(line[i : i+end])
	return t, nil
}

func isNameByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

// packedField returns field idx of the chat packed attribute
// ("t,mode,size,color,tsMs,pool,senderId,row"), or "".
func packedField(t *Tag, idx int) string {
	packed := t.Attrs["packed"]
	if packed == "" {
		packed = t.Attrs["p"] // oldest variant
	}
	parts := strings.Split(packed, ",")
	if idx < len(parts) {
		return parts[idx]
	}
	return ""
}

// SenderID resolves the sender id with the fallback chain: explicit uid
// attribute, historical userid spellings, then the packed positional field.
func SenderID(t *Tag) string {
	for _, k := range []string{"uid", "userid", "user_id"} {
		if v := t.Attrs[k]; v != "" {
			return v
		}
	}
	return packedField(t, 6)
}

// TimestampMs resolves the event timestamp: explicit attribute first, then
// the packed positional field.
func TimestampMs(t *Tag) int64 {
	if v := t.Attrs["timestamp"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if v := packedField(t, 4); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// NormalizedPrice applies the unit heuristic: records carrying the legacy
// capture-time ts attribute hold prices in 1/1000 currency units. The
// attribute's presence is the source of truth; no deeper inference.
func NormalizedPrice(t *Tag) (float64, bool) {
	price, err := strconv.ParseFloat(t.Attrs["price"], 64)
	if err != nil {
		return 0, false
	}
	if _, legacy := t.Attrs["ts"]; legacy {
		return price / 1000, true
	}
	return price, false
}

// EventFromTag converts a scanned record tag into an Event, or nil for tags
// that are not event records (header fields, unknown tags).
func EventFromTag(t *Tag) *Event {
	switch t.Name {
	case "chat", "d": // "d" is the oldest chat record spelling
		return &Event{
			Kind:        EventChat,
			Text:        t.Text,
			Sender:      t.Attrs["user"],
			SenderID:    SenderID(t),
			TimestampMs: TimestampMs(t),
		}
	case "gift":
		count, _ := strconv.ParseInt(t.Attrs["giftcount"], 10, 64)
		price, legacy := NormalizedPrice(t)
		return &Event{
			Kind:        EventGift,
			GiftName:    t.Attrs["giftname"],
			GiftCount:   count,
			Price:       price,
			LegacyUnits: legacy,
			Sender:      t.Attrs["user"],
			SenderID:    SenderID(t),
			TimestampMs: TimestampMs(t),
		}
	case "sc":
		price, legacy := NormalizedPrice(t)
		return &Event{
			Kind:        EventSuperChat,
			Text:        t.Text,
			Price:       price,
			LegacyUnits: legacy,
			Sender:      t.Attrs["user"],
			SenderID:    SenderID(t),
			TimestampMs: TimestampMs(t),
		}
	}
	return nil
}

// ParseTranscript scans a full transcript: header metadata plus every event
// record. A malformed individual line is skipped; a missing header is a
// top-level parse failure and fails the whole file.
func ParseTranscript(content string) (Meta, []Event, error) {
	var meta Meta
	var events []Event

	for _, line := range strings.Split(content, "\n") {
		t, err := ScanTag(line)
		if err != nil {
			continue
		}
		switch t.Name {
		case "room_id":
			meta.RoomID = t.Text
		case "room_title":
			meta.Title = t.Text
		case "user_name":
			meta.StreamerName = t.Text
		case "video_start_time":
			meta.StartMs, _ = strconv.ParseInt(t.Text, 10, 64)
		default:
			if ev := EventFromTag(t); ev != nil {
				events = append(events, *ev)
			}
		}
	}

	if meta.RoomID == "" || meta.StartMs == 0 {
		return Meta{}, nil, fmt.Errorf("transcript header missing room id or start time")
	}
	return meta, events, nil
}
