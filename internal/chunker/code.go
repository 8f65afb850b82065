package chunker

import (
	"go/ast"
	"go/parser"
	"go/token"
	"path"
	"regexp"
	"strings"
)

// declPatterns match top-level declarations per language. The last
// non-empty submatch is used as the chunk title.
var declPatterns = map[string]*regexp.Regexp{
	".py":   regexp.MustCompile(`^(?:async\s+)?(?:def|class)\s+(\w+)`),
	".js":   jsDecl,
	".jsx":  jsDecl,
	".ts":   jsDecl,
	".tsx":  jsDecl,
	".rs":   regexp.MustCompile(`^(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?(?:unsafe\s+)?(?:fn|struct|enum|trait|impl|mod|const|static|type)\b\s*(?:<[^>]*>\s*)?([\w:]+)?`),
	".java": regexp.MustCompile(`^(?:    )?(?:(?:public|private|protected|static|final|abstract|synchronized|sealed)\s+)*(?:(?:class|interface|enum|record)\s+(\w+)|[\w<>\[\], ]+\s+(\w+)\s*\()`),
}

var jsDecl = regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:declare\s+)?(?:async\s+)?(?:function\*?|class|interface|type|enum|const|let|var)\s+(\w+)`)

// commentPrefixes mark lines that belong to the declaration below them.
var commentPrefixes = []string{"//", "#", "/*", "*", "@", "///", "#["}

// splitCode chunks source by top-level declarations. Files the chunker has
// no grammar for fall back to prose-style paragraph splitting.
func (c *Chunker) splitCode(name, body string) []section {
	var secs []section
	ext := strings.ToLower(path.Ext(name))
	switch {
	case ext == ".go":
		secs = splitGo(name, body)
	case declPatterns[ext] != nil:
		secs = splitByPattern(name, body, declPatterns[ext])
	}
	if len(secs) == 0 {
		return c.bound([]section{{title: name, content: strings.TrimSpace(body)}})
	}
	return c.bound(c.merge(secs))
}

// splitGo uses the Go parser so methods, funcs and type blocks each become
// a unit. The package clause and imports form the leading chunk.
func splitGo(name, body string) []section {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, name, body, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil || len(f.Decls) == 0 {
		return nil
	}
	offset := func(p token.Pos) int { return fset.Position(p).Offset }

	var (
		secs []section
		prev int
	)
	for _, d := range f.Decls {
		title := goDeclTitle(d)
		if title == "" {
			continue // imports stay in the leading chunk
		}
		start := offset(d.Pos())
		if doc := goDoc(d); doc != nil {
			start = offset(doc.Pos())
		}
		if start > prev {
			head := strings.TrimSpace(body[prev:start])
			if head != "" {
				if len(secs) == 0 {
					secs = append(secs, section{title: name + ": package " + f.Name.Name, content: head})
				} else {
					secs[len(secs)-1].content += "\n\n" + head
				}
			}
		}
		end := offset(d.End())
		secs = append(secs, section{title: name + ": " + title, content: strings.TrimSpace(body[start:end])})
		prev = end
	}
	if tail := strings.TrimSpace(body[prev:]); tail != "" {
		if len(secs) == 0 {
			secs = append(secs, section{title: name, content: tail})
		} else {
			secs[len(secs)-1].content += "\n\n" + tail
		}
	}
	return secs
}

func goDoc(d ast.Decl) *ast.CommentGroup {
	switch d := d.(type) {
	case *ast.FuncDecl:
		return d.Doc
	case *ast.GenDecl:
		return d.Doc
	}
	return nil
}

func goDeclTitle(d ast.Decl) string {
	switch d := d.(type) {
	case *ast.FuncDecl:
		if d.Recv != nil && len(d.Recv.List) > 0 {
			return recvName(d.Recv.List[0].Type) + "." + d.Name.Name
		}
		return d.Name.Name
	case *ast.GenDecl:
		if d.Tok == token.IMPORT {
			return ""
		}
		var names []string
		for _, s := range d.Specs {
			switch s := s.(type) {
			case *ast.TypeSpec:
				names = append(names, s.Name.Name)
			case *ast.ValueSpec:
				for _, n := range s.Names {
					names = append(names, n.Name)
				}
			}
		}
		if len(names) > 3 {
			names = append(names[:3], "...")
		}
		return d.Tok.String() + " " + strings.Join(names, ", ")
	}
	return ""
}

func recvName(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.StarExpr:
		return recvName(t.X)
	case *ast.IndexExpr:
		return recvName(t.X)
	case *ast.IndexListExpr:
		return recvName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return "?"
}

// splitByPattern starts a new section at every line matching re. Comment
// and decorator lines directly above a declaration move with it.
func splitByPattern(name, body string, re *regexp.Regexp) []section {
	lines := strings.Split(body, "\n")
	var (
		secs  []section
		cur   []string
		title = name
	)
	flush := func(next []string) {
		if text := strings.TrimSpace(strings.Join(cur, "\n")); text != "" {
			secs = append(secs, section{title: title, content: text})
		}
		cur = next
	}
	for _, line := range lines {
		m := re.FindStringSubmatch(line)
		if m == nil {
			cur = append(cur, line)
			continue
		}
		// Move the trailing comment block of the previous section down.
		cut := len(cur)
		for cut > 0 && isCommentLine(cur[cut-1]) {
			cut--
		}
		lead := append([]string(nil), cur[cut:]...)
		cur = cur[:cut]
		flush(append(lead, line))
		title = name + ": " + lastGroup(m)
	}
	flush(nil)
	if len(secs) <= 1 {
		return nil
	}
	return secs
}

func isCommentLine(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" {
		return false
	}
	for _, p := range commentPrefixes {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

func lastGroup(m []string) string {
	for i := len(m) - 1; i > 0; i-- {
		if m[i] != "" {
			return m[i]
		}
	}
	return strings.TrimSpace(m[0])
}
