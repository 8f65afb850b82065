// Package parser turns raw vault files into structured entries: front matter
// is validated into models.Entry, diary and reference member files get
// deterministic identities from their path.
package parser

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/checksum"
	"github.com/starford/ghostkb/internal/models"
	"github.com/starford/ghostkb/internal/storage"
)

// DefaultTrustScore is assigned to files that carry no trust score of their
// own (diary days, raw reference material).
const DefaultTrustScore = 5

var (
	tagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

	idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ghostkb:entry"))
)

// TopicMeta is the aggregate part of a topic descriptor.
type TopicMeta struct {
	Files      []models.RefFile
	MaxAgeDays int
	FetchedAt  time.Time
	Sources    []models.Source
}

// Result holds the output of parsing one file.
type Result struct {
	Entry    models.Entry
	Body     string
	Topic    *TopicMeta
	Warnings []string
}

// DiaryID returns the stable identity of an owner's diary day.
func DiaryID(owner string, date time.Time) string {
	return uuid.NewSHA1(idNamespace, []byte("diary:"+owner+":"+date.Format(storage.DiaryDateLayout))).String()
}

// MemberID returns the stable identity of a reference topic member file.
func MemberID(scope models.Scope, owner, topic, file string) string {
	key := fmt.Sprintf("ref:%s:%s:%s", scope, owner, models.TopicKey(topic, file))
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// Parse classifies rel within the vault layout and parses data accordingly.
// Files outside any scope root are rejected with a ParseError.
func Parse(rel string, data []byte) (*Result, error) {
	loc, ok := storage.Classify(rel)
	if !ok {
		return nil, &apperr.ParseError{Path: rel, Reason: "path is not inside an indexed scope root"}
	}
	return ParseAt(rel, loc, data)
}

// ParseAt parses data for an already classified location.
func ParseAt(rel string, loc storage.Location, data []byte) (*Result, error) {
	var (
		res *Result
		err error
	)
	switch loc.Kind {
	case storage.KindDiary:
		res, err = parseDiary(rel, loc, data)
	case storage.KindTopicMember:
		res, err = parseMember(rel, loc, data)
	case storage.KindNote, storage.KindTopicDescriptor:
		res, err = parseStructured(rel, loc, data)
	default:
		return nil, &apperr.ParseError{Path: rel, Reason: "unknown layout kind"}
	}
	if err != nil {
		return nil, err
	}
	res.Entry.Path = rel
	res.Entry.Scope = loc.Scope
	res.Entry.Owner = loc.Owner
	res.Entry.ContentHash = checksum.Sum(data)
	if err := models.CheckOwner(res.Entry.Scope, res.Entry.Owner); err != nil {
		return nil, err
	}
	return res, nil
}

func parseStructured(rel string, loc storage.Location, data []byte) (*Result, error) {
	header, body, ok, err := splitFrontMatter(data)
	if err != nil {
		return nil, &apperr.ParseError{Path: rel, Reason: err.Error()}
	}
	if !ok {
		return nil, &apperr.ParseError{Path: rel, Reason: "missing front matter"}
	}
	fm, err := decodeFrontMatter(header)
	if err != nil {
		return nil, &apperr.ParseError{Path: rel, Reason: err.Error()}
	}
	if err := fm.Validate(); err != nil {
		return nil, &apperr.ParseError{Path: rel, Reason: err.Error()}
	}
	if err := checkDeclaredScope(fm, loc); err != nil {
		return nil, err
	}

	want := models.TypeNote
	if loc.Kind == storage.KindTopicDescriptor {
		want = models.TypeReferenceTopic
	}
	if fm.EntryType != "" && models.EntryType(fm.EntryType) != want {
		return nil, &apperr.ParseError{Path: rel, Reason: fmt.Sprintf("entry_type %q is not allowed here (expected %q)", fm.EntryType, want)}
	}

	res := &Result{Body: body}
	e := &res.Entry
	e.ID = strings.TrimSpace(fm.ID)
	e.Title = strings.TrimSpace(fm.Title)
	e.Type = want
	e.TrustScore = *fm.TrustScore
	e.Creator = *fm.CreatedBy
	e.CreatedAt, _ = parseTime(fm.CreatedAt)
	e.UpdatedAt = e.CreatedAt
	if fm.UpdatedAt != "" {
		e.UpdatedAt, _ = parseTime(fm.UpdatedAt)
	}
	if fm.Version != nil {
		e.Version = *fm.Version
	}
	e.ParentID = strings.TrimSpace(fm.Parent)
	e.Sources = fm.Source
	e.Extra = fm.Extra
	e.Tags = NormalizeTags(append([]string(fm.Tags), inlineTags(body)...))

	if fm.Archetype != "" {
		a, known := models.ParseArchetype(fm.Archetype)
		switch {
		case !known:
			res.Warnings = append(res.Warnings, fmt.Sprintf("unknown archetype %q ignored", fm.Archetype))
		case want != models.TypeNote:
			res.Warnings = append(res.Warnings, fmt.Sprintf("archetype %q ignored on %s", fm.Archetype, want))
		default:
			e.Archetype = a
		}
	}

	if loc.Kind == storage.KindTopicDescriptor {
		e.Topic = loc.Topic
		e.TopicKey = models.TopicKey(loc.Topic, "")
		meta := &TopicMeta{MaxAgeDays: fm.MaxAgeDays, Sources: fm.Sources}
		if fm.FetchedAt != "" {
			meta.FetchedAt, _ = parseTime(fm.FetchedAt)
		}
		for i, f := range fm.Files {
			if strings.TrimSpace(f.Name) == "" {
				continue
			}
			rf := f.refFile(i)
			if rf.MaxAgeDays == 0 {
				rf.MaxAgeDays = meta.MaxAgeDays
			}
			if rf.FetchedAt.IsZero() {
				rf.FetchedAt = meta.FetchedAt
			}
			meta.Files = append(meta.Files, rf)
		}
		res.Topic = meta
	}
	return res, nil
}

// checkDeclaredScope rejects files whose front matter claims a scope or
// owner that contradicts where the file lives.
func checkDeclaredScope(fm *frontMatter, loc storage.Location) error {
	if fm.Scope != "" && models.Scope(fm.Scope) != loc.Scope {
		return fmt.Errorf("%w: front matter declares scope %q but file lives in %q", apperr.ErrScopeViolation, fm.Scope, loc.Scope)
	}
	if fm.Owner != "" && fm.Owner != loc.Owner {
		return fmt.Errorf("%w: front matter declares owner %q but file lives under %q", apperr.ErrScopeViolation, fm.Owner, loc.Owner)
	}
	return nil
}

func parseDiary(rel string, loc storage.Location, data []byte) (*Result, error) {
	res := &Result{Body: string(data)}
	e := &res.Entry
	e.ID = DiaryID(loc.Owner, loc.Date)
	e.Type = models.TypeDiary
	e.Title = "Diary " + loc.Date.Format(storage.DiaryDateLayout)
	e.TrustScore = DefaultTrustScore
	e.Creator = models.Creator{Ghost: loc.Owner}
	e.CreatedAt = loc.Date

	// A diary file may still carry an optional header; its id is ignored.
	if header, body, ok, err := splitFrontMatter(data); err == nil && ok {
		if fm, err := decodeFrontMatter(header); err == nil {
			res.Body = body
			if fm.Title != "" {
				e.Title = fm.Title
			}
			if fm.TrustScore != nil && *fm.TrustScore >= 0 && *fm.TrustScore <= 10 {
				e.TrustScore = *fm.TrustScore
			}
			if fm.CreatedBy != nil && fm.CreatedBy.Ghost != "" {
				e.Creator = *fm.CreatedBy
			}
			if fm.Version != nil {
				e.Version = *fm.Version
			}
			e.Tags = []string(fm.Tags)
			e.Extra = fm.Extra
			if fm.ID != "" && fm.ID != e.ID {
				res.Warnings = append(res.Warnings, fmt.Sprintf("diary id %q replaced by derived id", fm.ID))
			}
		}
	}
	e.Tags = NormalizeTags(append(e.Tags, inlineTags(res.Body)...))
	e.UpdatedAt = e.CreatedAt
	return res, nil
}

func parseMember(rel string, loc storage.Location, data []byte) (*Result, error) {
	res := &Result{Body: string(data)}
	e := &res.Entry
	e.ID = MemberID(loc.Scope, loc.Owner, loc.Topic, loc.File)
	e.Topic = loc.Topic
	e.TopicKey = models.TopicKey(loc.Topic, loc.File)
	e.TrustScore = DefaultTrustScore
	e.Creator = models.Creator{Ghost: loc.Owner}
	e.Title = path.Base(loc.File)

	if storage.IsCode(loc.File) {
		e.Type = models.TypeReferenceCode
		return res, nil
	}
	e.Type = models.TypeReferenceDocs
	if header, body, ok, err := splitFrontMatter(data); err == nil && ok {
		if fm, err := decodeFrontMatter(header); err == nil {
			res.Body = body
			if fm.Title != "" {
				e.Title = fm.Title
			}
			if fm.TrustScore != nil && *fm.TrustScore >= 0 && *fm.TrustScore <= 10 {
				e.TrustScore = *fm.TrustScore
			}
			e.Tags = NormalizeTags(fm.Tags)
			e.Extra = fm.Extra
		}
	} else if h1 := firstHeading(res.Body); h1 != "" {
		e.Title = h1
	}
	return res, nil
}

// NormalizeTags lowercases, trims, and deduplicates hierarchical tags,
// keeping first-seen order.
func NormalizeTags(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		t := strings.ToLower(strings.TrimSpace(raw))
		t = strings.TrimLeft(t, "#")
		t = strings.Trim(t, "/")
		t = strings.Join(strings.Fields(t), "-")
		for strings.Contains(t, "//") {
			t = strings.ReplaceAll(t, "//", "/")
		}
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// inlineTags collects #tags written in the body, skipping fenced code.
func inlineTags(body string) []string {
	var out []string
	inFence := false
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		for _, m := range tagRe.FindAllStringSubmatch(line, -1) {
			out = append(out, m[1])
		}
	}
	return out
}

// firstHeading returns the text of the first H1, or "".
func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
