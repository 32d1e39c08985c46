package recorder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testStart = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func TestTranscriptLifecycle(t *testing.T) {
	root := t.TempDir()
	w, err := OpenTranscript(root, "42", "My Stream", "alice", testStart)
	if err != nil {
		t.Fatalf("OpenTranscript: %v", err)
	}

	if !strings.HasSuffix(w.Path(), ".raw") {
		t.Errorf("open path = %q, want .raw extension", w.Path())
	}
	if w.StartMs() != testStart.UnixMilli() {
		t.Errorf("StartMs = %d, want %d", w.StartMs(), testStart.UnixMilli())
	}

	if err := w.AppendChat("hello", "bob", "7", testStart.UnixMilli()+1500); err != nil {
		t.Fatalf("AppendChat: %v", err)
	}
	if err := w.AppendGift("flower", 3, 1000, "bob", "7", testStart.UnixMilli()+2000); err != nil {
		t.Fatalf("AppendGift: %v", err)
	}
	if err := w.AppendSuperChat("nice", 30, "carol", "9", testStart.UnixMilli()+3000); err != nil {
		t.Fatalf("AppendSuperChat: %v", err)
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !strings.HasSuffix(w.Path(), ".xml") {
		t.Errorf("final path = %q, want .xml extension", w.Path())
	}
	// Finalize is idempotent.
	if err := w.Finalize(); err != nil {
		t.Errorf("second Finalize: %v", err)
	}
	// Appends after finalize must fail loudly.
	if err := w.AppendChat("late", "bob", "7", 0); err == nil {
		t.Error("AppendChat after Finalize should fail")
	}

	content, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatalf("read final transcript: %v", err)
	}
	text := string(content)
	for _, want := range []string{
		"<room_id>42</room_id>",
		"<room_title>My Stream</room_title>",
		"<user_name>alice</user_name>",
		">hello</chat>",
		`giftname="flower"`,
		`price="1000"`,
		">nice</sc>",
		"</i>",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("transcript missing %q", want)
		}
	}
	// The gift carries the capture-time marker; the superchat must not.
	if !strings.Contains(text, `<gift ts="`) {
		t.Error("gift record missing ts marker")
	}
	if strings.Contains(text, `<sc ts="`) {
		t.Error("superchat record must not carry ts marker")
	}
	if !strings.HasSuffix(strings.TrimSpace(text), "</i>") {
		t.Error("transcript must end with trailer")
	}
}

func TestTranscriptEscaping(t *testing.T) {
	root := t.TempDir()
	w, err := OpenTranscript(root, "42", `A <"B"> & C`, "x", testStart)
	if err != nil {
		t.Fatalf("OpenTranscript: %v", err)
	}
	if err := w.AppendChat("1 < 2 & \"3\"", "a<b", "1", testStart.UnixMilli()); err != nil {
		t.Fatalf("AppendChat: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	content, _ := os.ReadFile(w.Path())
	text := string(content)
	if !strings.Contains(text, "<room_title>A &lt;&quot;B&quot;&gt; &amp; C</room_title>") {
		t.Errorf("title not escaped: %s", text)
	}
	if !strings.Contains(text, ">1 &lt; 2 &amp; &quot;3&quot;</chat>") {
		t.Errorf("chat text not escaped: %s", text)
	}
	if !strings.Contains(text, `user="a&lt;b"`) {
		t.Errorf("sender not escaped: %s", text)
	}
}

func TestTranscriptNewlinesEscaped(t *testing.T) {
	root := t.TempDir()
	w, err := OpenTranscript(root, "42", "t", "x", testStart)
	if err != nil {
		t.Fatalf("OpenTranscript: %v", err)
	}
	// A multi-line superchat must stay one record; a raw newline would split
	// it and lose the tail at parse time.
	if err := w.AppendSuperChat("first\nsecond\r\nthird", 30, "carol", "9", testStart.UnixMilli()); err != nil {
		t.Fatalf("AppendSuperChat: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	content, _ := os.ReadFile(w.Path())
	for _, line := range strings.Split(string(content), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "<sc ") && !strings.HasSuffix(strings.TrimSpace(line), "</sc>") {
			t.Fatalf("superchat record split across lines: %q", line)
		}
	}
	if !strings.Contains(string(content), "first&#10;second&#13;&#10;third") {
		t.Errorf("newlines not escaped: %s", content)
	}
}

func TestTranscriptFilenameSanitized(t *testing.T) {
	root := t.TempDir()
	w, err := OpenTranscript(root, "42", `a/b\c:d*e?"f"<g>|h`, "x", testStart)
	if err != nil {
		t.Fatalf("OpenTranscript: %v", err)
	}
	base := filepath.Base(w.Path())
	if strings.ContainsAny(base, `/\:*?"<>|`) {
		t.Errorf("filename %q contains unsafe characters", base)
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	root := t.TempDir()

	// Orphan for room 42: header present, trailer missing.
	w, err := OpenTranscript(root, "42", "crashed", "alice", testStart)
	if err != nil {
		t.Fatalf("OpenTranscript: %v", err)
	}
	if err := w.AppendChat("last words", "bob", "7", testStart.UnixMilli()); err != nil {
		t.Fatalf("AppendChat: %v", err)
	}
	orphanPath := w.Path()
	// Simulate a crash: drop the writer without finalizing.
	w.f.Close()

	// A provisional file for a different room must be left alone.
	other, err := OpenTranscript(root, "99", "other", "eve", testStart)
	if err != nil {
		t.Fatalf("OpenTranscript: %v", err)
	}
	otherPath := other.Path()

	n, err := RecoverOrphans(root, "42")
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d files, want 1", n)
	}

	finalPath := strings.TrimSuffix(orphanPath, ".raw") + ".xml"
	content, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("repaired transcript not at %s: %v", finalPath, err)
	}
	text := strings.TrimSpace(string(content))
	if !strings.HasSuffix(text, "</i>") {
		t.Error("repaired transcript missing trailer")
	}
	if !strings.Contains(text, "last words") {
		t.Error("repaired transcript lost records")
	}

	if _, err := os.Stat(otherPath); err != nil {
		t.Errorf("other room's provisional file was touched: %v", err)
	}
	other.f.Close()
}

func TestRecoverOrphansAlreadyTerminated(t *testing.T) {
	// A provisional file that already ends with the trailer (crash between
	// trailer write and rename) only needs the rename.
	root := t.TempDir()
	dir := filepath.Join(root, "42")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "2026-03-01 20-00-00 done.raw")
	body := "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<i>\n  <room_id>42</room_id>\n  <video_start_time>1700000000000</video_start_time>\n</i>\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := RecoverOrphans(root, "42")
	if err != nil {
		t.Fatalf("RecoverOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d files, want 1", n)
	}
	repaired, err := os.ReadFile(strings.TrimSuffix(p, ".raw") + ".xml")
	if err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}
	if strings.Count(string(repaired), "</i>") != 1 {
		t.Error("trailer must not be duplicated")
	}
}

func TestRecoverOrphansMissingRoot(t *testing.T) {
	n, err := RecoverOrphans(filepath.Join(t.TempDir(), "nope"), "42")
	if err != nil {
		t.Fatalf("missing data root should not error: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered %d, want 0", n)
	}
}
