package metadata

import (
	"maps"
	"slices"
	"sort"
)

// Store is an ordered collection of image results, plus indexes derived from them.
// A Store is not safe for concurrent use. Whoever owns it (a CLI run, or a server session)
// must serialize access.
type Store struct {
	results []*ImageResult
	byPath  map[string]int

	// Derived indexes. Rebuilt in full whenever the contents change.
	uniqueClasses []string
	countOptions  map[string][]int
}

func NewStore() *Store {
	s := &Store{
		byPath: map[string]int{},
	}
	s.BuildIndexes()
	return s
}

// NewStoreFromResults creates a store holding 'results', in the given order
func NewStoreFromResults(results []*ImageResult) (*Store, error) {
	s := NewStore()
	if err := s.AddBatch(results); err != nil {
		return nil, err
	}
	return s, nil
}

// Add appends a result. If the path is already present, the store is left unchanged
// and a DuplicateImageError is returned.
func (s *Store) Add(r *ImageResult) error {
	if _, ok := s.byPath[r.imagePath]; ok {
		return &DuplicateImageError{ImagePath: r.imagePath}
	}
	s.byPath[r.imagePath] = len(s.results)
	s.results = append(s.results, r)
	s.BuildIndexes()
	return nil
}

// AddBatch appends all of 'results', or none of them
func (s *Store) AddBatch(results []*ImageResult) error {
	seen := map[string]bool{}
	for _, r := range results {
		if _, ok := s.byPath[r.imagePath]; ok || seen[r.imagePath] {
			return &DuplicateImageError{ImagePath: r.imagePath}
		}
		seen[r.imagePath] = true
	}
	for _, r := range results {
		s.byPath[r.imagePath] = len(s.results)
		s.results = append(s.results, r)
	}
	s.BuildIndexes()
	return nil
}

// Replace swaps the entire contents of the store. On error the store is unchanged.
func (s *Store) Replace(results []*ImageResult) error {
	fresh, err := NewStoreFromResults(results)
	if err != nil {
		return err
	}
	*s = *fresh
	return nil
}

// BuildIndexes recomputes the store-wide class list and count options.
// It is idempotent, and is called automatically by every mutation.
func (s *Store) BuildIndexes() {
	counts := map[string]map[int]bool{}
	for _, r := range s.results {
		for cls, n := range r.classCounts {
			if n == 0 {
				continue
			}
			if counts[cls] == nil {
				counts[cls] = map[int]bool{}
			}
			counts[cls][n] = true
		}
	}
	s.uniqueClasses = slices.Sorted(maps.Keys(counts))
	if s.uniqueClasses == nil {
		s.uniqueClasses = []string{}
	}
	s.countOptions = make(map[string][]int, len(counts))
	for cls, set := range counts {
		opts := slices.Collect(maps.Keys(set))
		sort.Ints(opts)
		s.countOptions[cls] = opts
	}
}

func (s *Store) Len() int {
	return len(s.results)
}

// Results returns the results in insertion order.
// The slice is a copy, but the results are shared (they are immutable).
func (s *Store) Results() []*ImageResult {
	return slices.Clone(s.results)
}

// Get returns the result for 'imagePath', or nil
func (s *Store) Get(imagePath string) *ImageResult {
	if i, ok := s.byPath[imagePath]; ok {
		return s.results[i]
	}
	return nil
}

// UniqueClasses returns every label seen in the store, sorted alphabetically
func (s *Store) UniqueClasses() []string {
	return slices.Clone(s.uniqueClasses)
}

// CountOptions returns, for each label, the sorted distinct non-zero counts seen across images.
// This is what a UI offers as choices for a per-class maximum.
func (s *Store) CountOptions() map[string][]int {
	out := make(map[string][]int, len(s.countOptions))
	for k, v := range s.countOptions {
		out[k] = slices.Clone(v)
	}
	return out
}

// CountOptionsFor returns the count options of a single label
func (s *Store) CountOptionsFor(label string) []int {
	return slices.Clone(s.countOptions[label])
}
