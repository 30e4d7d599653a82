package inference

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/imgsearch/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// fakeDetector returns one "car" per digit in the file name, and fails on names containing "bad"
type fakeDetector struct {
	config *nn.ModelConfig
	delay  bool
	block  bool
}

func (d *fakeDetector) Close() {}

func (d *fakeDetector) Config() *nn.ModelConfig {
	return d.config
}

func (d *fakeDetector) DetectObjects(ctx context.Context, imagePath string, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.delay {
		// Scramble completion order
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
	}
	name := filepath.Base(imagePath)
	if strings.Contains(name, "bad") {
		return nil, errors.New("decoder exploded")
	}
	if strings.Contains(name, "inverted") {
		return []nn.ObjectDetection{{Class: "car", Confidence: 0.5, Box: nn.Box{X1: 10, Y1: 0, X2: 0, Y2: 10}}}, nil
	}
	objs := []nn.ObjectDetection{}
	for i, c := range name {
		if c >= '0' && c <= '9' {
			x := float64(i * 10)
			objs = append(objs, nn.ObjectDetection{Class: "car", ClassID: 2, Confidence: 0.9, Box: nn.Box{X1: x, Y1: 0, X2: x + 5, Y2: 5}})
		}
	}
	return objs, nil
}

func newFake() *fakeDetector {
	return &fakeDetector{config: nn.NewCOCOModelConfig("fake", "fake")}
}

func makeDir(t *testing.T, names ...string) string {
	dir := t.TempDir()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("not really an image"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755))
	return dir
}

func TestListImages(t *testing.T) {
	dir := makeDir(t, "b.jpg", "a.PNG", "c.txt", "d.jpeg", "noext")
	paths, err := ListImages(dir, []string{".jpg", ".png"})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "a.PNG"), filepath.Join(dir, "b.jpg")}, paths)

	_, err = ListImages(filepath.Join(dir, "missing"), []string{".jpg"})
	require.Error(t, err)
}

func TestRunOnDirectory(t *testing.T) {
	names := []string{}
	for i := 0; i < 20; i++ {
		names = append(names, fmt.Sprintf("img%02d.jpg", i))
	}
	names = append(names, "bad.jpg", "inverted.jpg", "skip.txt")
	dir := makeDir(t, names...)

	det := newFake()
	det.delay = true
	progress := []Progress{}
	store, report, err := RunOnDirectory(context.Background(), logs.NewTestingLog(t), det, dir, Options{
		Extensions: []string{".jpg"},
		Workers:    4,
		Progress:   func(p Progress) { progress = append(progress, p) },
	})
	require.NoError(t, err)
	require.Equal(t, 22, report.Images)
	require.Equal(t, 20, report.Succeeded())
	require.Len(t, report.Failures, 2)
	require.Equal(t, filepath.Join(dir, "bad.jpg"), report.Failures[0].Path)
	require.Equal(t, filepath.Join(dir, "inverted.jpg"), report.Failures[1].Path)

	// Failures are isolated: every other image made it, in path order
	require.Equal(t, 20, store.Len())
	for i, r := range store.Results() {
		require.Equal(t, filepath.Join(dir, names[i]), r.ImagePath())
		require.Equal(t, 2, r.ClassCount("car"))
	}
	require.Equal(t, []string{"car"}, store.UniqueClasses())

	require.Len(t, progress, 22)
	require.Equal(t, 22, progress[21].Done)
	nErr := 0
	for _, p := range progress {
		if p.Error != "" {
			nErr++
		}
	}
	require.Equal(t, 2, nErr)
}

func TestRunOnEmptyDirectory(t *testing.T) {
	dir := makeDir(t, "readme.txt")
	_, _, err := RunOnDirectory(context.Background(), logs.NewTestingLog(t), newFake(), dir, Options{Extensions: []string{".jpg"}})
	require.True(t, errors.Is(err, ErrNoImages))

	store, report, err := RunOnDirectory(context.Background(), logs.NewTestingLog(t), newFake(), dir, Options{Extensions: []string{".jpg"}, AllowEmpty: true})
	require.NoError(t, err)
	require.Equal(t, 0, store.Len())
	require.Equal(t, 0, report.Images)
}

func TestImageTimeout(t *testing.T) {
	dir := makeDir(t, "1.jpg", "2.jpg")
	det := newFake()
	det.block = true
	store, report, err := RunOnDirectory(context.Background(), logs.NewTestingLog(t), det, dir, Options{
		Extensions:   []string{".jpg"},
		Workers:      2,
		ImageTimeout: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, 0, store.Len())
	require.Len(t, report.Failures, 2)
	require.True(t, errors.Is(report.Failures[0], context.DeadlineExceeded))
}

func TestCancel(t *testing.T) {
	dir := makeDir(t, "1.jpg", "2.jpg", "3.jpg")
	det := newFake()
	det.block = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := RunOnDirectory(ctx, logs.NewTestingLog(t), det, dir, Options{Extensions: []string{".jpg"}, Workers: 1})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}
