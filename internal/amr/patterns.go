package amr

import (
	"regexp"
	"strings"

	"github.com/Toonzaza/cart-sensor/internal/protocol"
)

// Tag names produced by DefaultRegistry.
const (
	TagArrived       = "arrived"
	TagGoing         = "going"
	TagFailedGoing   = "failed_going"
	TagError         = "error"
	TagTaskCompleted = "task_completed"
	TagTaskFailed    = "task_failed"
	TagSpeechDone    = "speech_done"
	TagStatus        = "status"
	TagBattery       = "battery"
	TagLocation      = "location"
	TagLocalization  = "localization"
)

// Extractor turns the submatches of a pattern into tag fields.
type Extractor func(re *regexp.Regexp, m []string) map[string]string

// Pattern is one row of the classification table.
type Pattern struct {
	Name    string
	Re      *regexp.Regexp
	Extract Extractor // nil: named groups
	Fatal   bool
}

// NamedGroups is the default extractor: every non-empty named group becomes
// a field.
func NamedGroups(re *regexp.Regexp, m []string) map[string]string {
	var fields map[string]string
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" || m[i] == "" {
			continue
		}
		if fields == nil {
			fields = make(map[string]string)
		}
		fields[name] = strings.TrimSpace(m[i])
	}
	return fields
}

// Registry classifies AMR lines against an ordered pattern table. Each line
// is evaluated once; a name yields at most one tag (first match wins).
type Registry struct {
	patterns []Pattern
}

// NewRegistry builds a registry from patterns, in order.
func NewRegistry(patterns ...Pattern) *Registry {
	return &Registry{patterns: append([]Pattern(nil), patterns...)}
}

// Patterns returns a copy of the table.
func (r *Registry) Patterns() []Pattern {
	return append([]Pattern(nil), r.patterns...)
}

// Classify returns the tags matching text and whether any matching pattern
// is fatal.
func (r *Registry) Classify(text string) ([]protocol.LineTag, bool) {
	var (
		tags  []protocol.LineTag
		fatal bool
	)
	for _, p := range r.patterns {
		if hasTag(tags, p.Name) {
			continue
		}
		m := p.Re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		extract := p.Extract
		if extract == nil {
			extract = NamedGroups
		}
		tags = append(tags, protocol.LineTag{Name: p.Name, Fields: extract(p.Re, m)})
		fatal = fatal || p.Fatal
	}
	return tags, fatal
}

func hasTag(tags []protocol.LineTag, name string) bool {
	for _, t := range tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

const num = `-?\d+(?:\.\d+)?`

// DefaultRegistry returns the ARCL classification table.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Pattern{Name: TagArrived, Re: regexp.MustCompile(`(?i)^Arrived at\s+(?P<goal>.+?)\s*$`)},
		Pattern{Name: TagGoing, Re: regexp.MustCompile(`(?i)^Going to\s+(?P<goal>.+?)\s*$`)},
		Pattern{Name: TagFailedGoing, Re: regexp.MustCompile(`(?i)^Failed going to(?:\s+goal)?\s+(?P<goal>.+?)\s*$`), Fatal: true},
		Pattern{Name: TagError, Re: regexp.MustCompile(`(?i)^(?P<kind>Error|CommandError|CommandErrorDescription):\s*(?P<message>.*)$`), Fatal: true},
		Pattern{Name: TagTaskCompleted, Re: regexp.MustCompile(`(?i)^Completed doing task\s+(?P<task>\S+)(?:\s+(?P<args>.*?))?\s*$`)},
		Pattern{Name: TagTaskFailed, Re: regexp.MustCompile(`(?i)^Failed doing task\s+(?P<task>\S+)(?:\s+(?P<args>.*?))?\s*$`), Fatal: true},
		Pattern{Name: TagSpeechDone, Re: regexp.MustCompile(`(?i)^finished\s+(?:speaking|saying)\b`)},
		Pattern{Name: TagStatus, Re: regexp.MustCompile(`(?i)^Status:\s*(?P<status>.*?)\s*$`)},
		Pattern{Name: TagBattery, Re: regexp.MustCompile(`(?i)^StateOfCharge:\s*(?P<percent>` + num + `)`)},
		Pattern{Name: TagBattery, Re: regexp.MustCompile(`(?i)\bbattery\b\D*?(?P<percent>` + num + `)\s*%`)},
		Pattern{Name: TagLocation, Re: regexp.MustCompile(`(?i)^Location:\s*(?P<x>` + num + `)\s+(?P<y>` + num + `)\s+(?P<th>` + num + `)`)},
		Pattern{Name: TagLocalization, Re: regexp.MustCompile(`(?i)^LocalizationScore:\s*(?P<score>` + num + `)`)},
	)
}

// Predicate selects a line in WaitFor.
type Predicate func(Line) bool

// ArrivedAt matches "Arrived at <name>", case-insensitive, exact name.
func ArrivedAt(name string) Predicate {
	return func(l Line) bool {
		t, ok := l.Tag(TagArrived)
		return ok && strings.EqualFold(t.Fields["goal"], strings.TrimSpace(name))
	}
}

// TaskCompleted matches "Completed doing task <task> ...".
func TaskCompleted(task string) Predicate {
	return func(l Line) bool {
		t, ok := l.Tag(TagTaskCompleted)
		return ok && strings.EqualFold(t.Fields["task"], task)
	}
}

// SpeechDone matches the finished-speaking marker.
func SpeechDone() Predicate {
	return HasTag(TagSpeechDone)
}

// HasTag matches any line classified as name.
func HasTag(name string) Predicate {
	return func(l Line) bool {
		_, ok := l.Tag(name)
		return ok
	}
}

// Contains matches lines containing s, case-insensitive.
func Contains(s string) Predicate {
	s = strings.ToLower(s)
	return func(l Line) bool {
		return strings.Contains(strings.ToLower(l.Text), s)
	}
}
