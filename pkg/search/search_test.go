package search

import (
	"encoding/json"
	"testing"

	"github.com/cyclopcam/imgsearch/pkg/metadata"
	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/stretchr/testify/require"
)

// Build a store from a list of per-image class lists
func buildStore(t *testing.T, images map[string][]string, order []string) *metadata.Store {
	s := metadata.NewStore()
	for _, path := range order {
		dets := []metadata.Detection{}
		for i, cls := range images[path] {
			x := float64(i * 10)
			dets = append(dets, metadata.Detection{Class: cls, Confidence: 0.8, Box: nn.Box{X1: x, Y1: 0, X2: x + 5, Y2: 5}})
		}
		r, err := metadata.NewImageResult(path, dets)
		require.NoError(t, err)
		require.NoError(t, s.Add(r))
	}
	return s
}

func paths(results []*metadata.ImageResult) []string {
	out := []string{}
	for _, r := range results {
		out = append(out, r.ImagePath())
	}
	return out
}

func testStore(t *testing.T) *metadata.Store {
	images := map[string][]string{
		"a.jpg": {"car"},
		"b.jpg": {"car", "car", "person"},
		"c.jpg": {"person"},
		"d.jpg": {"car", "car", "car", "person", "person"},
		"e.jpg": {},
		"f.jpg": {"dog", "car", "person"},
	}
	return buildStore(t, images, []string{"f.jpg", "a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"})
}

func TestEmptySelection(t *testing.T) {
	s := testStore(t)
	require.Empty(t, Evaluate(s, NewQuery(nil, ModeAny, nil)))
	require.Empty(t, Evaluate(s, NewQuery([]string{}, ModeAll, map[string]int{"car": 3})))
}

func TestAnyExistence(t *testing.T) {
	s := testStore(t)
	res := Evaluate(s, NewQuery([]string{"car"}, ModeAny, nil))
	require.Equal(t, []string{"f.jpg", "a.jpg", "b.jpg", "d.jpg"}, paths(res))

	res = Evaluate(s, NewQuery([]string{"dog", "person"}, ModeAny, nil))
	require.Equal(t, []string{"f.jpg", "b.jpg", "c.jpg", "d.jpg"}, paths(res))

	// A class that no image has
	require.Empty(t, Evaluate(s, NewQuery([]string{"giraffe"}, ModeAny, nil)))
}

func TestAllWithThreshold(t *testing.T) {
	s := testStore(t)
	// 1 <= car <= 2 and person >= 1
	res := Evaluate(s, NewQuery([]string{"car", "person"}, ModeAll, map[string]int{"car": 2}))
	require.Equal(t, []string{"f.jpg", "b.jpg"}, paths(res))

	// d.jpg has 3 cars, so it is excluded until the limit is raised
	res = Evaluate(s, NewQuery([]string{"car", "person"}, ModeAll, map[string]int{"car": 3}))
	require.Equal(t, []string{"f.jpg", "b.jpg", "d.jpg"}, paths(res))
}

func TestAnyWithThreshold(t *testing.T) {
	s := testStore(t)
	// car <= 1 or dog
	res := Evaluate(s, NewQuery([]string{"car", "dog"}, ModeAny, map[string]int{"car": 1}))
	require.Equal(t, []string{"f.jpg", "a.jpg"}, paths(res))
}

func TestZeroThresholdNeverMatches(t *testing.T) {
	s := testStore(t)
	require.Empty(t, Evaluate(s, NewQuery([]string{"car"}, ModeAny, map[string]int{"car": 0})))
	require.Empty(t, Evaluate(s, NewQuery([]string{"car"}, ModeAny, map[string]int{"car": -1})))
	// In ANY mode another class can still carry the image
	res := Evaluate(s, NewQuery([]string{"car", "dog"}, ModeAny, map[string]int{"car": 0}))
	require.Equal(t, []string{"f.jpg"}, paths(res))
}

func TestThresholdOnUnselectedClass(t *testing.T) {
	s := testStore(t)
	a := Evaluate(s, NewQuery([]string{"person"}, ModeAny, nil))
	b := Evaluate(s, NewQuery([]string{"person"}, ModeAny, map[string]int{"car": 1}))
	require.Equal(t, paths(a), paths(b))
}

func TestDuplicateClasses(t *testing.T) {
	q := NewQuery([]string{"car", "car", "person"}, ModeAll, nil)
	require.Equal(t, []string{"car", "person"}, q.Classes)
}

func TestResultsAreSubsequence(t *testing.T) {
	s := testStore(t)
	all := paths(s.Results())
	queries := []*Query{
		NewQuery([]string{"car"}, ModeAny, nil),
		NewQuery([]string{"person", "car"}, ModeAll, nil),
		NewQuery([]string{"dog", "person"}, ModeAny, map[string]int{"person": 1}),
	}
	for _, q := range queries {
		res := paths(Evaluate(s, q))
		// Walk both lists, res must be found in order
		j := 0
		for _, p := range all {
			if j < len(res) && res[j] == p {
				j++
			}
		}
		require.Equal(t, len(res), j, "query %v", q)
		// Deterministic
		require.Equal(t, res, paths(Evaluate(s, q)))
	}
}

func TestHighlightAndSummary(t *testing.T) {
	s := testStore(t)
	q := NewQuery([]string{"car", "person"}, ModeAny, map[string]int{"car": 2})
	res := Evaluate(s, q)
	require.Equal(t, []string{"f.jpg", "a.jpg", "b.jpg", "c.jpg", "d.jpg"}, paths(res))

	// d.jpg matched through person only, since it has too many cars
	require.Equal(t, []string{"person"}, q.Highlight(s.Get("d.jpg")))
	require.Equal(t, []string{"car", "person"}, q.Highlight(s.Get("b.jpg")))

	sum := Summarize(res, q)
	require.Equal(t, []ClassSummary{
		{Class: "car", Images: 4, Total: 7},
		{Class: "person", Images: 4, Total: 5},
	}, sum)
}

func TestParse(t *testing.T) {
	m, err := ParseMode("ALL")
	require.NoError(t, err)
	require.Equal(t, ModeAll, m)
	m, err = ParseMode("or")
	require.NoError(t, err)
	require.Equal(t, ModeAny, m)
	_, err = ParseMode("xor")
	require.Error(t, err)

	require.Equal(t, []string{"car", "traffic light"}, ParseClassList(" car,, traffic light "))

	th, err := ParseThresholds("car=2, person = 1")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"car": 2, "person": 1}, th)
	_, err = ParseThresholds("car")
	require.Error(t, err)
	_, err = ParseThresholds("car=lots")
	require.Error(t, err)

	q := NewQuery([]string{"car", "person"}, ModeAll, th)
	require.Equal(t, "all of [car,person] with car<=2,person<=1", q.String())
}

func TestQueryJSON(t *testing.T) {
	q := &Query{}
	require.NoError(t, json.Unmarshal([]byte(`{"classes": ["car"], "mode": "all", "thresholds": {"car": 2}}`), q))
	require.Equal(t, ModeAll, q.Mode)
	require.Equal(t, map[string]int{"car": 2}, q.Thresholds)

	b, err := json.Marshal(NewQuery([]string{"dog"}, ModeAny, nil))
	require.NoError(t, err)
	require.Equal(t, `{"classes":["dog"],"mode":"any"}`, string(b))

	require.Error(t, json.Unmarshal([]byte(`{"mode": "sometimes"}`), q))
}
