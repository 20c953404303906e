package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"yqhp/sim-engine/internal/job"
)

// Filter selects descriptors.
type Filter interface {
	Match(d *job.Descriptor) bool
}

// All matches everything.
type All struct{}

func (All) Match(*job.Descriptor) bool { return true }

// NameSet matches descriptors by exact name.
type NameSet map[string]struct{}

// Names builds a NameSet.
func Names(names ...string) NameSet {
	s := make(NameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s NameSet) Match(d *job.Descriptor) bool {
	_, ok := s[d.Name]
	return ok
}

type regexFilter struct {
	re *regexp.Regexp
}

// Regexp matches descriptor names against a regular expression.
func Regexp(expr string) (Filter, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid name filter: %w", err)
	}
	return regexFilter{re: re}, nil
}

func (f regexFilter) Match(d *job.Descriptor) bool { return f.re.MatchString(d.Name) }

// Playlist is a set of glob patterns, one per line. "*" matches any run of
// characters and "#" any single character. Matching is case-insensitive
// and anchored. A simulation also matches when the experiment that
// generated it matches.
type Playlist struct {
	raw      []string
	patterns []*regexp.Regexp
}

// ParsePlaylist parses newline-separated patterns. Blank lines are ignored.
func ParsePlaylist(text string) (*Playlist, error) {
	p := &Playlist{}
	for _, line := range strings.Split(text, "\n") {
		if err := p.add(line); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// LoadPlaylist reads a playlist file. YAML files hold a list of patterns;
// anything else is plain text.
func LoadPlaylist(path string) (*Playlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var lines []string
		if err := yaml.Unmarshal(data, &lines); err != nil {
			return nil, fmt.Errorf("parse playlist %s: %w", path, err)
		}
		return ParsePlaylist(strings.Join(lines, "\n"))
	default:
		return ParsePlaylist(string(data))
	}
}

func (p *Playlist) add(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(globToRegexp(pattern))
	if err != nil {
		return fmt.Errorf("invalid playlist pattern %q: %w", pattern, err)
	}
	p.raw = append(p.raw, pattern)
	p.patterns = append(p.patterns, re)
	return nil
}

func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '#':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// Empty reports whether the playlist has no patterns.
func (p *Playlist) Empty() bool { return len(p.patterns) == 0 }

// Patterns returns the source patterns.
func (p *Playlist) Patterns() []string { return p.raw }

func (p *Playlist) Match(d *job.Descriptor) bool {
	return p.MatchName(d.Name) || (d.Origin != "" && p.MatchName(d.Origin))
}

// MatchName reports whether any pattern matches name.
func (p *Playlist) MatchName(name string) bool {
	for _, re := range p.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
