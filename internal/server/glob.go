package server

import (
	"fmt"
	"strings"
)

// Glob is a compiled path pattern. A '*' matches zero or more characters
// within a single '/'-delimited segment; every other character is literal.
type Glob struct {
	pattern  string
	segments []globSegment
}

type globSegment struct {
	literal string
	// parts is the segment split around '*'; nil for literal segments.
	parts []string
}

// CompileGlob compiles pattern once so it can be matched many times.
func CompileGlob(pattern string) (*Glob, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	raw := strings.Split(pattern, "/")
	segments := make([]globSegment, len(raw))
	for i, seg := range raw {
		if strings.Contains(seg, "*") {
			segments[i] = globSegment{parts: strings.Split(seg, "*")}
			continue
		}
		segments[i] = globSegment{literal: seg}
	}

	return &Glob{pattern: pattern, segments: segments}, nil
}

// MustCompileGlob is like CompileGlob but panics on error.
func MustCompileGlob(pattern string) *Glob {
	g, err := CompileGlob(pattern)
	if err != nil {
		panic(err)
	}
	return g
}

// Pattern returns the source pattern.
func (g *Glob) Pattern() string {
	return g.pattern
}

// Match reports whether the whole of s matches the pattern.
func (g *Glob) Match(s string) bool {
	i := 0
	for seg := range strings.SplitSeq(s, "/") {
		if i >= len(g.segments) || !g.segments[i].match(seg) {
			return false
		}
		i++
	}
	return i == len(g.segments)
}

func (s globSegment) match(seg string) bool {
	if s.parts == nil {
		return seg == s.literal
	}

	head, tail := s.parts[0], s.parts[len(s.parts)-1]
	if len(seg) < len(head)+len(tail) ||
		!strings.HasPrefix(seg, head) ||
		!strings.HasSuffix(seg, tail) {
		return false
	}

	// Leftmost placement of each inner literal is enough when '*' is the only
	// wildcard.
	rest := seg[len(head) : len(seg)-len(tail)]
	for _, part := range s.parts[1 : len(s.parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return true
}
