package storage

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/ghostkb/internal/models"
)

// Directory names of the vault layout.
const (
	SharedDir       = "shared"
	GhostsDir       = "ghosts"
	InboxDir        = "inbox"
	NotesDir        = "notes"
	ReferenceDir    = "reference"
	DiaryDir        = "diary"
	TopicDescriptor = "_topic.md"

	DiaryDateLayout = "2006-01-02"
)

var proseExts = map[string]bool{".md": true, ".markdown": true, ".txt": true}

var codeExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".rs": true, ".java": true, ".c": true, ".h": true, ".cpp": true, ".rb": true,
	".sh": true, ".sql": true, ".yaml": true, ".yml": true, ".toml": true, ".json": true,
}

// IsProse reports whether name is a Markdown or plain-text file.
func IsProse(name string) bool {
	return proseExts[strings.ToLower(path.Ext(name))]
}

// IsCode reports whether name is a source or config file.
func IsCode(name string) bool {
	return codeExts[strings.ToLower(path.Ext(name))]
}

// Indexable reports whether a file with this name may be indexed at all.
func Indexable(name string) bool {
	return IsProse(name) || IsCode(name)
}

// Kind is the role a file plays in the layout.
type Kind int

const (
	KindNote Kind = iota + 1
	KindDiary
	KindTopicDescriptor
	KindTopicMember
)

// Root is one scope directory tree.
type Root struct {
	Scope models.Scope
	Owner string
	Dir   string // vault-relative, forward slashes
}

func (r Root) String() string {
	if r.Owner == "" {
		return string(r.Scope)
	}
	return string(r.Scope) + ":" + r.Owner
}

// Location is where a vault path sits in the layout.
type Location struct {
	Scope models.Scope
	Owner string
	Kind  Kind
	Topic string    // reference topics only
	File  string    // topic-relative member name
	Date  time.Time // diary only
}

// Classify maps a vault-relative path to its layout location. It reports
// false for paths outside any scope root (including the staging inbox) and
// for files whose extension is not allowed at that place.
func Classify(rel string) (Location, bool) {
	rel = filepath.ToSlash(path.Clean(rel))
	parts := strings.Split(rel, "/")
	name := parts[len(parts)-1]
	if strings.HasPrefix(name, ".") {
		return Location{}, false
	}

	switch {
	case len(parts) >= 3 && parts[0] == SharedDir && parts[1] == NotesDir:
		return noteLocation(models.ScopeSharedNote, "", name)
	case len(parts) >= 4 && parts[0] == SharedDir && parts[1] == ReferenceDir:
		return refLocation(models.ScopeSharedReference, "", parts[2], parts[3:])
	case len(parts) >= 4 && parts[0] == GhostsDir && parts[1] != "":
		owner := parts[1]
		switch parts[2] {
		case NotesDir:
			return noteLocation(models.ScopeGhostNote, owner, name)
		case ReferenceDir:
			if len(parts) < 5 {
				return Location{}, false
			}
			return refLocation(models.ScopeGhostReference, owner, parts[3], parts[4:])
		case DiaryDir:
			if !IsProse(name) {
				return Location{}, false
			}
			stem := strings.TrimSuffix(name, path.Ext(name))
			date, err := time.Parse(DiaryDateLayout, stem)
			if err != nil {
				return Location{}, false
			}
			return Location{Scope: models.ScopeGhostDiary, Owner: owner, Kind: KindDiary, Date: date}, true
		}
	}
	return Location{}, false
}

func noteLocation(scope models.Scope, owner, name string) (Location, bool) {
	if !IsProse(name) {
		return Location{}, false
	}
	return Location{Scope: scope, Owner: owner, Kind: KindNote}, true
}

func refLocation(scope models.Scope, owner, topic string, rest []string) (Location, bool) {
	file := strings.Join(rest, "/")
	if file == TopicDescriptor {
		return Location{Scope: scope, Owner: owner, Kind: KindTopicDescriptor, Topic: topic}, true
	}
	if !Indexable(file) {
		return Location{}, false
	}
	return Location{Scope: scope, Owner: owner, Kind: KindTopicMember, Topic: topic, File: file}, true
}

// RootDir returns the vault-relative directory for a scope root.
func RootDir(scope models.Scope, owner string) (string, error) {
	if err := models.CheckOwner(scope, owner); err != nil {
		return "", err
	}
	switch scope {
	case models.ScopeSharedNote:
		return path.Join(SharedDir, NotesDir), nil
	case models.ScopeSharedReference:
		return path.Join(SharedDir, ReferenceDir), nil
	case models.ScopeGhostNote:
		return path.Join(GhostsDir, owner, NotesDir), nil
	case models.ScopeGhostReference:
		return path.Join(GhostsDir, owner, ReferenceDir), nil
	case models.ScopeGhostDiary:
		return path.Join(GhostsDir, owner, DiaryDir), nil
	}
	return "", fmt.Errorf("storage: no root for scope %q", scope)
}

// TopicDir returns the vault-relative directory of a reference topic.
func TopicDir(scope models.Scope, owner, topic string) (string, error) {
	if !scope.IsReference() {
		return "", fmt.Errorf("storage: scope %s holds no topics", scope)
	}
	root, err := RootDir(scope, owner)
	if err != nil {
		return "", err
	}
	return path.Join(root, topic), nil
}

// DiaryPath returns the file for an owner's diary on date.
func DiaryPath(owner string, date time.Time) string {
	return path.Join(GhostsDir, owner, DiaryDir, date.Format(DiaryDateLayout)+".md")
}

// EnsureLayout creates the fixed directories under the vault root.
func EnsureLayout(root string) error {
	for _, dir := range []string{
		filepath.Join(root, SharedDir, NotesDir),
		filepath.Join(root, SharedDir, ReferenceDir),
		filepath.Join(root, GhostsDir),
		filepath.Join(root, InboxDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("storage: ensure layout: %w", err)
		}
	}
	return nil
}

// Roots discovers every scope root present on disk. Ghost roots are found
// by listing the ghosts directory.
func Roots(root string) ([]Root, error) {
	var out []Root
	add := func(scope models.Scope, owner string) {
		dir, err := RootDir(scope, owner)
		if err != nil {
			return
		}
		if info, err := os.Stat(filepath.Join(root, filepath.FromSlash(dir))); err == nil && info.IsDir() {
			out = append(out, Root{Scope: scope, Owner: owner, Dir: dir})
		}
	}
	add(models.ScopeSharedNote, "")
	add(models.ScopeSharedReference, "")

	ghosts, err := os.ReadDir(filepath.Join(root, GhostsDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("storage: list ghosts: %w", err)
	}
	for _, g := range ghosts {
		if !g.IsDir() || strings.HasPrefix(g.Name(), ".") {
			continue
		}
		add(models.ScopeGhostNote, g.Name())
		add(models.ScopeGhostReference, g.Name())
		add(models.ScopeGhostDiary, g.Name())
	}
	return out, nil
}

// Slug turns a title into a file-name-safe stem.
func Slug(title string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r > 127:
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		s = "untitled"
	}
	return s
}

// InboxRef validates an optional inbox sub-directory and a plain file name
// and returns the content ref relative to the inbox.
func InboxRef(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	if name != path.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `\`) {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	dir = strings.Trim(dir, "/")
	if dir == "" {
		return name, nil
	}
	for _, part := range strings.Split(dir, "/") {
		if part == "" || part == ".." || strings.HasPrefix(part, ".") {
			return "", fmt.Errorf("invalid directory: %s", dir)
		}
	}
	return dir + "/" + name, nil
}
