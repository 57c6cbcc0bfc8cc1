package assetsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestManifestDenied(t *testing.T) {
	m := DefaultManifest()

	tests := []struct {
		path string
		want bool
	}{
		{"robot_photos/team254.jpg", false},
		{"configs/game_config.json", false},
		{"scouting.db", true},
		{"backup/scouting.db-wal", true},
		{"logs/app.log", true},
		{"ssl/server.pem", true},
		{"instance/scouting.sqlite", true},
		{"nested/instance/file.json", true},
		{"photos/SERVER.PEM", true}, // extension match is case-insensitive
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := m.Denied(tt.path); got != tt.want {
				t.Errorf("Denied(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assets.yaml")
	data := `
tracked_dirs:
  - uploads
  - configs
deny_paths:
  - ssl/
deny_extensions:
  - .db
  - .log
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if len(m.TrackedDirs) != 2 {
		t.Errorf("tracked dirs = %v, want 2 entries", m.TrackedDirs)
	}
	if !m.Denied("foo.db") || !m.Denied("ssl/cert") {
		t.Error("denylist not honored")
	}
}

func TestLoadManifestEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assets.yaml")
	if err := os.WriteFile(path, []byte("tracked_dirs: []\n"), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Error("LoadManifest() accepted a manifest with no tracked dirs")
	}
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", rel, err)
	}
}

func TestListChecksumsFiltersDenied(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "photos/team1.jpg", "jpeg bytes")
	writeFile(t, dir, "photos/team2.jpg", "more jpeg bytes")
	writeFile(t, dir, "scouting.db", "never leaves")
	writeFile(t, dir, "logs/app.log", "nor this")

	list, err := ListChecksums(dir, DefaultManifest())
	if err != nil {
		t.Fatalf("ListChecksums() error = %v", err)
	}

	var paths []string
	for _, fc := range list {
		paths = append(paths, fc.Path)
	}
	sort.Strings(paths)

	want := []string{"photos/team1.jpg", "photos/team2.jpg"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}

	wantSum := sha256.Sum256([]byte("jpeg bytes"))
	for _, fc := range list {
		if fc.Path == "photos/team1.jpg" {
			if fc.SHA256 != hex.EncodeToString(wantSum[:]) {
				t.Errorf("checksum mismatch for team1.jpg")
			}
			if fc.Size != int64(len("jpeg bytes")) {
				t.Errorf("size = %d, want %d", fc.Size, len("jpeg bytes"))
			}
		}
	}
}

func TestDiff(t *testing.T) {
	local := []FileChecksum{
		{Path: "a.jpg", SHA256: "aaa"},
		{Path: "b.jpg", SHA256: "bbb"},
		{Path: "c.jpg", SHA256: "ccc"},
	}
	remote := []FileChecksum{
		{Path: "a.jpg", SHA256: "aaa"},   // same
		{Path: "b.jpg", SHA256: "stale"}, // differs
		// c.jpg missing
	}

	diff := Diff(local, remote)
	if len(diff) != 2 {
		t.Fatalf("diff = %v, want b.jpg and c.jpg", diff)
	}
}

// memSink buffers uploads and can corrupt a configured number of
// commits to exercise the retry path.
type memSink struct {
	files       map[string]*bytes.Buffer
	corruptions int
	commits     int
	aborts      int
}

func newMemSink() *memSink {
	return &memSink{files: make(map[string]*bytes.Buffer)}
}

func (s *memSink) WriteChunk(ctx context.Context, rel string, offset int64, data []byte) error {
	buf, ok := s.files[rel]
	if !ok {
		buf = &bytes.Buffer{}
		s.files[rel] = buf
	}
	if int64(buf.Len()) != offset {
		return errors.New("chunk out of order")
	}
	_, err := buf.Write(data)
	return err
}

func (s *memSink) Commit(ctx context.Context, rel string) (string, error) {
	s.commits++
	buf, ok := s.files[rel]
	if !ok {
		return "", errors.New("nothing uploaded")
	}

	data := buf.Bytes()
	if s.corruptions > 0 {
		s.corruptions--
		data = append(append([]byte(nil), data...), 0xFF)
	}
	sum := sha256.Sum256(data)

	// A commit consumes the staged upload either way.
	delete(s.files, rel)
	return hex.EncodeToString(sum[:]), nil
}

func (s *memSink) Abort(ctx context.Context, rel string) error {
	s.aborts++
	delete(s.files, rel)
	return nil
}

func TestUploadChunked(t *testing.T) {
	dir := t.TempDir()
	// Three chunks: 2 full + 1 partial.
	content := strings.Repeat("x", 2*1024+100)
	writeFile(t, dir, "photos/big.jpg", content)

	sink := newMemSink()
	u := NewUploader(nil)
	u.ChunkSize = 1024

	if err := u.Upload(context.Background(), dir, "photos/big.jpg", sink); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if sink.commits != 1 {
		t.Errorf("commits = %d, want 1", sink.commits)
	}
}

func TestUploadRetriesOnMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", "payload")

	sink := newMemSink()
	sink.corruptions = 2 // first two commits come back wrong
	u := NewUploader(nil)

	if err := u.Upload(context.Background(), dir, "a.jpg", sink); err != nil {
		t.Fatalf("Upload() error = %v (should succeed on third attempt)", err)
	}
	if sink.commits != 3 {
		t.Errorf("commits = %d, want 3", sink.commits)
	}
}

func TestUploadTerminalAfterBoundedRetries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", "payload")

	sink := newMemSink()
	sink.corruptions = 10 // never verifies
	u := NewUploader(nil)

	err := u.Upload(context.Background(), dir, "a.jpg", sink)
	if err == nil {
		t.Fatal("Upload() succeeded despite persistent corruption")
	}
	if sink.commits != DefaultMaxAttempts {
		t.Errorf("commits = %d, want %d", sink.commits, DefaultMaxAttempts)
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("error = %v, want checksum mismatch cause", err)
	}
}

func TestSyncDirUploadsOnlyDiffs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", "aaa")
	writeFile(t, dir, "b.jpg", "bbb")

	aSum, _, err := ChecksumFile(filepath.Join(dir, "a.jpg"))
	if err != nil {
		t.Fatalf("ChecksumFile() error = %v", err)
	}
	remote := []FileChecksum{{Path: "a.jpg", SHA256: aSum}}

	sink := newMemSink()
	u := NewUploader(nil)

	uploaded, errs := u.SyncDir(context.Background(), dir, DefaultManifest(), remote, sink)
	if len(errs) != 0 {
		t.Fatalf("SyncDir() errors = %v", errs)
	}
	if uploaded != 1 {
		t.Errorf("uploaded = %d, want 1 (only b.jpg differs)", uploaded)
	}
}

func TestWatcherEmitsAllowedChanges(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "uploads"), 0755); err != nil {
		t.Fatalf("Failed to create uploads dir: %v", err)
	}

	w, err := NewWatcher(dir, DefaultManifest(), nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.Start()
	defer w.Stop()

	writeFile(t, dir, "uploads/team99.jpg", "photo")
	writeFile(t, dir, "uploads/debug.log", "denied")

	select {
	case ch := <-w.Changes():
		if ch.Rel != "team99.jpg" {
			t.Errorf("change = %+v, want team99.jpg", ch)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change event for allowed file")
	}

	// The denied file must never surface.
	select {
	case ch := <-w.Changes():
		if ch.Rel == "debug.log" {
			t.Errorf("denied file surfaced: %+v", ch)
		}
	case <-time.After(300 * time.Millisecond):
	}
}
