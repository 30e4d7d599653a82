package search

import (
	"github.com/cyclopcam/imgsearch/pkg/metadata"
)

// classMatches is the per-class predicate.
// A threshold of zero (or less) can never be satisfied, because a class must be present to match.
func (q *Query) classMatches(r *metadata.ImageResult, class string) bool {
	n := r.ClassCount(class)
	if n < 1 {
		return false
	}
	if limit, ok := q.Thresholds[class]; ok {
		return n <= limit
	}
	return true
}

// Matches returns true if the image satisfies the query
func (q *Query) Matches(r *metadata.ImageResult) bool {
	if len(q.Classes) == 0 {
		return false
	}
	switch q.Mode {
	case ModeAll:
		for _, c := range q.Classes {
			if !q.classMatches(r, c) {
				return false
			}
		}
		return true
	default:
		for _, c := range q.Classes {
			if q.classMatches(r, c) {
				return true
			}
		}
		return false
	}
}

// Evaluate returns the images in 'store' that match 'q', in store order.
// An empty class selection matches nothing.
func Evaluate(store *metadata.Store, q *Query) []*metadata.ImageResult {
	matches := []*metadata.ImageResult{}
	if len(q.Classes) == 0 {
		return matches
	}
	for _, r := range store.Results() {
		if q.Matches(r) {
			matches = append(matches, r)
		}
	}
	return matches
}

// Highlight returns the selected classes that satisfy their predicate in 'r'.
// This is the set of classes whose boxes should be drawn when presenting a match.
func (q *Query) Highlight(r *metadata.ImageResult) []string {
	out := []string{}
	for _, c := range q.Classes {
		if q.classMatches(r, c) {
			out = append(out, c)
		}
	}
	return out
}

// ClassSummary is the total number of detections of one class across a set of matches
type ClassSummary struct {
	Class  string `json:"class"`
	Images int    `json:"images"` // Number of matches that contain the class
	Total  int    `json:"total"`  // Sum of the class count over all matches
}

// Summarize totals each selected class over the matches, in query order
func Summarize(matches []*metadata.ImageResult, q *Query) []ClassSummary {
	out := make([]ClassSummary, 0, len(q.Classes))
	for _, c := range q.Classes {
		s := ClassSummary{Class: c}
		for _, r := range matches {
			if n := r.ClassCount(c); n != 0 {
				s.Images++
				s.Total += n
			}
		}
		out = append(out, s)
	}
	return out
}
