// Package pathtemplate parses endpoint path templates such as
// "/chat/{room}" and matches request paths against them.
//
// Matching is deliberately coarse: only the literal segments before the
// first variable and the first variable itself are compared. Any template
// segments after the first variable form a tail that accepts zero or more
// request segments. Two templates that agree up to their first variable
// therefore normalize to the same key and conflict on registration.
package pathtemplate

import (
	"path"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var variableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

type segment struct {
	literal  string
	variable string
}

func (s segment) isVariable() bool {
	return s.variable != ""
}

// Template is a parsed endpoint path.
type Template struct {
	raw        string
	segments   []segment
	firstVar   int
	normalized string
}

// Parse validates and parses a path template.
func Parse(template string) (*Template, error) {
	if !strings.HasPrefix(template, "/") {
		return nil, errors.Wrapf(ErrInvalidPath, "%q must begin with /", template)
	}
	t := &Template{raw: template, firstVar: -1}
	trimmed := strings.TrimSuffix(template, "/")
	if trimmed == "" {
		t.normalized = "/"
		return t, nil
	}

	seen := map[string]bool{}
	for i, part := range strings.Split(trimmed[1:], "/") {
		if part == "" {
			return nil, errors.Wrapf(ErrInvalidPath, "%q has an empty segment", template)
		}
		if !strings.ContainsAny(part, "{}") {
			t.segments = append(t.segments, segment{literal: part})
			continue
		}
		if !strings.HasPrefix(part, "{") || !strings.HasSuffix(part, "}") {
			return nil, errors.Wrapf(ErrInvalidTemplate, "segment %q mixes literal text and a variable", part)
		}
		name := part[1 : len(part)-1]
		if !variableName.MatchString(name) {
			return nil, errors.Wrapf(ErrInvalidTemplate, "bad variable name %q", name)
		}
		if seen[name] {
			return nil, errors.Wrapf(ErrDuplicateVariable, "%q in %q", name, template)
		}
		seen[name] = true
		if t.firstVar < 0 {
			t.firstVar = i
		}
		t.segments = append(t.segments, segment{variable: name})
	}
	t.normalized = t.normalize()
	return t, nil
}

// MustParse is like Parse but panics on error.
func MustParse(template string) *Template {
	t, err := Parse(template)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) normalize() string {
	var b strings.Builder
	for i, s := range t.segments {
		if t.firstVar >= 0 && i > t.firstVar {
			b.WriteString("/*")
			break
		}
		b.WriteString("/")
		if s.isVariable() {
			b.WriteString("{}")
		} else {
			b.WriteString(s.literal)
		}
	}
	return b.String()
}

// String returns the template as written.
func (t *Template) String() string {
	return t.raw
}

// Normalized returns the registry key: variable names are replaced by "{}"
// and a tail after the first variable by "/*".
func (t *Template) Normalized() string {
	return t.normalized
}

// IsLiteral reports whether the template has no variables.
func (t *Template) IsLiteral() bool {
	return t.firstVar < 0
}

// HasTail reports whether segments follow the first variable.
func (t *Template) HasTail() bool {
	return t.firstVar >= 0 && t.firstVar < len(t.segments)-1
}

// LiteralPrefixLen is the number of literal segments before the first
// variable, or the segment count for literal templates.
func (t *Template) LiteralPrefixLen() int {
	if t.firstVar < 0 {
		return len(t.segments)
	}
	return t.firstVar
}

// SegmentCount returns the number of path segments in the template.
func (t *Template) SegmentCount() int {
	return len(t.segments)
}

// Variables lists the variable names in template order.
func (t *Template) Variables() []string {
	var names []string
	for _, s := range t.segments {
		if s.isVariable() {
			names = append(names, s.variable)
		}
	}
	return names
}

// Match reports whether the request path matches and returns the bound
// variables. Variables after the first are bound positionally when the
// request has a segment at that position.
func (t *Template) Match(requestPath string) (map[string]string, bool) {
	parts := Split(requestPath)
	if t.firstVar < 0 {
		if len(parts) != len(t.segments) {
			return nil, false
		}
		for i, s := range t.segments {
			if parts[i] != s.literal {
				return nil, false
			}
		}
		return map[string]string{}, true
	}

	if len(parts) <= t.firstVar {
		return nil, false
	}
	if !t.HasTail() && len(parts) != len(t.segments) {
		return nil, false
	}
	for i := 0; i < t.firstVar; i++ {
		if parts[i] != t.segments[i].literal {
			return nil, false
		}
	}
	params := map[string]string{}
	for i, s := range t.segments {
		if i >= len(parts) {
			break
		}
		if s.isVariable() {
			params[s.variable] = parts[i]
		}
	}
	return params, true
}

// Clean normalizes a request path: it is rooted, cleaned of "." and ".."
// elements and has no trailing slash.
func Clean(requestPath string) string {
	if requestPath == "" {
		return "/"
	}
	return path.Clean("/" + requestPath)
}

// Split returns the non-empty segments of a cleaned request path.
func Split(requestPath string) []string {
	p := Clean(requestPath)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}
