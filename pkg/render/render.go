package render

import (
	"fmt"
	"hash/fnv"
	"image"
	"image/jpeg"
	"io"
	"slices"

	"github.com/cyclopcam/imgsearch/pkg/metadata"
	"github.com/fogleman/gg"
)

const DefaultJPEGQuality = 85

// Class colors. A class always gets the same color.
var palette = [][3]float64{
	{0.90, 0.10, 0.29},
	{0.24, 0.71, 0.29},
	{1.00, 0.88, 0.10},
	{0.00, 0.51, 0.78},
	{0.96, 0.51, 0.19},
	{0.57, 0.12, 0.71},
	{0.27, 0.94, 0.94},
	{0.94, 0.20, 0.90},
	{0.82, 0.96, 0.24},
	{0.98, 0.75, 0.83},
}

func classColor(class string) [3]float64 {
	h := fnv.New32a()
	h.Write([]byte(class))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Annotate draws the boxes of 'r' onto a copy of 'img'.
// Only classes in 'highlight' are drawn, unless highlight is empty, in which case everything is drawn.
// 'r' is not modified.
func Annotate(img image.Image, r *metadata.ImageResult, highlight []string) image.Image {
	dc := gg.NewContextForImage(img)
	b := img.Bounds()
	lineWidth := max(2, float64(min(b.Dx(), b.Dy()))/300)
	dc.SetLineWidth(lineWidth)

	for _, d := range r.Detections() {
		if len(highlight) != 0 && !slices.Contains(highlight, d.Class) {
			continue
		}
		c := classColor(d.Class)
		box := d.Box
		dc.SetRGB(c[0], c[1], c[2])
		dc.DrawRectangle(box.X1, box.Y1, box.Width(), box.Height())
		dc.Stroke()

		caption := fmt.Sprintf("%v %.2f", d.Class, d.Confidence)
		tw, th := dc.MeasureString(caption)
		// Put the caption above the box, or inside it if we're at the top edge
		ty := box.Y1 - 3
		if ty-th < 0 {
			ty = box.Y1 + th + 3
		}
		dc.DrawRectangle(box.X1, ty-th-2, tw+4, th+4)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawString(caption, box.X1+2, ty)
	}
	return dc.Image()
}

// AnnotateFile loads an image from disk and annotates it
func AnnotateFile(r *metadata.ImageResult, highlight []string) (image.Image, error) {
	img, err := gg.LoadImage(r.ImagePath())
	if err != nil {
		return nil, fmt.Errorf("Failed to load %v: %w", r.ImagePath(), err)
	}
	return Annotate(img, r, highlight), nil
}

// Fit scales 'img' down so that neither side exceeds maxDim. Smaller images are returned as-is.
func Fit(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	if maxDim <= 0 || (b.Dx() <= maxDim && b.Dy() <= maxDim) {
		return img
	}
	scale := float64(maxDim) / float64(max(b.Dx(), b.Dy()))
	w := max(1, int(float64(b.Dx())*scale+0.5))
	h := max(1, int(float64(b.Dy())*scale+0.5))
	dc := gg.NewContext(w, h)
	dc.Scale(scale, scale)
	dc.DrawImage(img, -b.Min.X, -b.Min.Y)
	return dc.Image()
}

func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}
