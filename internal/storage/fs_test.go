package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/starford/ghostkb/internal/checksum"
)

func tempVault(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	if err := EnsureLayout(dir); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	s, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return s
}

func mustWrite(t *testing.T, s *FS, path, content string) {
	t.Helper()
	if err := s.Write(path, []byte(content)); err != nil {
		t.Fatalf("Write %s: %v", path, err)
	}
}

func TestWrite_CreatesParentsAndReplaces(t *testing.T) {
	s := tempVault(t)
	p := "shared/notes/lang/go/channels.md"
	mustWrite(t, s, p, "v1")
	mustWrite(t, s, p, "v2")

	got, err := s.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("content = %q, want v2", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.Root(), "shared/notes/lang/go", tempPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestWrite_KeepsPermissions(t *testing.T) {
	s := tempVault(t)
	mustWrite(t, s, "shared/notes/a.md", "x")
	abs := filepath.Join(s.Root(), "shared/notes/a.md")
	if err := os.Chmod(abs, 0o600); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, s, "shared/notes/a.md", "y")
	info, err := os.Stat(abs)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestRead_MissingIsNotExist(t *testing.T) {
	s := tempVault(t)
	_, err := s.Read("shared/notes/nope.md")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestList_IndexableOnlyWithChecksums(t *testing.T) {
	s := tempVault(t)
	mustWrite(t, s, "shared/notes/a.md", "alpha")
	mustWrite(t, s, "shared/reference/http/client.go", "package http")
	mustWrite(t, s, "shared/reference/http/logo.png", "binary")
	mustWrite(t, s, "shared/notes/.draft.md", "hidden")
	mustWrite(t, s, "shared/.cache/x.md", "hidden dir")

	items, err := s.List(SharedDir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var paths []string
	for _, it := range items {
		paths = append(paths, it.Path)
		data, _ := s.Read(it.Path)
		if it.Checksum != checksum.Sum(data) || it.Size != int64(len(data)) {
			t.Errorf("%s: checksum/size mismatch", it.Path)
		}
	}
	sort.Strings(paths)
	want := []string{"shared/notes/a.md", "shared/reference/http/client.go"}
	if len(paths) != len(want) || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

func TestList_MissingDirIsEmpty(t *testing.T) {
	s := tempVault(t)
	items, err := s.List("ghosts/nobody/notes")
	if err != nil || len(items) != 0 {
		t.Errorf("items=%v err=%v", items, err)
	}
}

func TestDelete_PrunesEmptyTagFolders(t *testing.T) {
	s := tempVault(t)
	mustWrite(t, s, "shared/notes/lang/go/a.md", "a")
	mustWrite(t, s, "shared/notes/lang/b.md", "b")

	if err := s.Delete("shared/notes/lang/go/a.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("shared/notes/lang/go") {
		t.Error("empty tag folder should be pruned")
	}
	if !s.Exists("shared/notes/lang") {
		t.Error("non-empty folder must stay")
	}

	if err := s.Delete("shared/notes/lang/b.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("shared/notes/lang") {
		t.Error("folder should be pruned once empty")
	}
	if !s.Exists("shared/notes") {
		t.Error("scope root must never be pruned")
	}

	if err := s.Delete("shared/notes/lang/b.md"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestMove_FromInbox(t *testing.T) {
	s := tempVault(t)
	mustWrite(t, s, "inbox/web/guide.md", "# Guide")
	mustWrite(t, s, "shared/reference/http/guide.md", "old")

	if err := s.Move("inbox/web/guide.md", "shared/reference/http/guide.md"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, _ := s.Read("shared/reference/http/guide.md")
	if string(got) != "# Guide" {
		t.Errorf("content = %q", got)
	}
	if s.Exists("inbox/web") {
		t.Error("emptied inbox sub-directory should be pruned")
	}
	if !s.Exists(InboxDir) {
		t.Error("inbox itself must stay")
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempVault(t)
	for _, p := range []string{"../../etc/passwd", "../outside.md", "/etc/shadow", "shared/../../x.md"} {
		if _, err := s.Read(p); err == nil {
			t.Errorf("read %q should fail", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("write %q should fail", p)
		}
		if s.Exists(p) {
			t.Errorf("exists %q should be false", p)
		}
	}
	if err := s.Move("inbox/a.md", "../a.md"); err == nil {
		t.Error("move out of the vault should fail")
	}
}

func TestNewFS_RootMustBeDirectory(t *testing.T) {
	if _, err := NewFS(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for non-existent dir")
	}
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFS(file); err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestIsLayoutDir(t *testing.T) {
	tests := []struct {
		rel  string
		want bool
	}{
		{"inbox", true},
		{"inbox/web", false},
		{"shared/notes", true},
		{"shared/notes/lang", false},
		{"ghosts/wren", true},
		{"ghosts/wren/diary", true},
		{"ghosts/wren/reference/http", false},
		{"elsewhere", true},
	}
	for _, tt := range tests {
		if got := isLayoutDir(tt.rel); got != tt.want {
			t.Errorf("isLayoutDir(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}
