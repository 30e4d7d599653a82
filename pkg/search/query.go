package search

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Mode controls how the per-class matches of a query are combined
type Mode int

const (
	ModeAny Mode = iota // An image matches if any selected class matches (OR)
	ModeAll             // An image matches if every selected class matches (AND)
)

func (m Mode) String() string {
	switch m {
	case ModeAny:
		return "any"
	case ModeAll:
		return "all"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts "any"/"or" and "all"/"and", case insensitive
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any", "or", "":
		return ModeAny, nil
	case "all", "and":
		return ModeAll, nil
	}
	return ModeAny, fmt.Errorf("Unknown search mode '%v' (expected 'any' or 'all')", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	mode, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Query selects images by the classes they contain.
// A class with an entry in Thresholds matches only if it appears between 1 and Thresholds[class] times.
// A class without an entry matches if it appears at all.
type Query struct {
	Classes    []string       `json:"classes"`
	Mode       Mode           `json:"mode"`
	Thresholds map[string]int `json:"thresholds,omitempty"`
}

// NewQuery returns a query with duplicate classes removed
func NewQuery(classes []string, mode Mode, thresholds map[string]int) *Query {
	q := &Query{
		Mode:       mode,
		Thresholds: thresholds,
	}
	seen := map[string]bool{}
	for _, c := range classes {
		if !seen[c] {
			seen[c] = true
			q.Classes = append(q.Classes, c)
		}
	}
	return q
}

// ParseClassList splits "car, person,dog" into its parts, dropping empty entries
func ParseClassList(s string) []string {
	out := []string{}
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(c)
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ParseThresholds parses "car=2,person=1" into a threshold map
func ParseThresholds(s string) (map[string]int, error) {
	th := map[string]int{}
	for _, part := range ParseClassList(s) {
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("Invalid threshold '%v' (expected class=max)", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("Invalid threshold for '%v': %w", k, err)
		}
		th[k] = n
	}
	return th, nil
}

// String formats the query the way the CLI accepts it
func (q *Query) String() string {
	s := fmt.Sprintf("%v of [%v]", q.Mode, strings.Join(q.Classes, ","))
	if len(q.Thresholds) != 0 {
		keys := make([]string, 0, len(q.Thresholds))
		for k := range q.Thresholds {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := []string{}
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%v<=%v", k, q.Thresholds[k]))
		}
		s += " with " + strings.Join(parts, ",")
	}
	return s
}
