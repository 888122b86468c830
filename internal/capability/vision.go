package capability

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// pollRows is how many scanned rows pass between context checks
const pollRows = 32

// BackgroundTolerance is the per-channel distance under which a pixel counts
// as background in the heuristic detectors
const BackgroundTolerance = 40

// ForegroundDetector reports the region that differs from the dominant
// corner colour as a single object
type ForegroundDetector struct {
	Tolerance int
	MinArea   float64 // minimum fraction of the image the region must cover
}

// NewForegroundDetector creates a detector with default thresholds
func NewForegroundDetector() *ForegroundDetector {
	return &ForegroundDetector{Tolerance: BackgroundTolerance, MinArea: 0.001}
}

// DetectObjects implements ObjectDetector
func (d *ForegroundDetector) DetectObjects(ctx context.Context, img image.Image) ([]pipeline.DetectedObject, error) {
	nrgba := imaging.Clone(img)
	bg := BackgroundColor(nrgba)

	box, count, err := scanBox(ctx, nrgba, func(c color.NRGBA) bool {
		return !Near(c, bg, d.Tolerance)
	})
	if err != nil {
		return nil, err
	}

	total := float64(nrgba.Bounds().Dx() * nrgba.Bounds().Dy())
	if count == 0 || total == 0 || float64(count)/total < d.MinArea {
		return nil, nil
	}

	fill := float64(count) / float64(box.Width*box.Height)
	return []pipeline.DetectedObject{{
		Label:      "foreground",
		Confidence: round2(0.5 + fill/2),
		Box:        box,
	}}, nil
}

// SkinToneDetector reports the bounding box of skin-coloured pixels as a face
type SkinToneDetector struct {
	MinArea float64
}

// NewSkinToneDetector creates a detector with default thresholds
func NewSkinToneDetector() *SkinToneDetector {
	return &SkinToneDetector{MinArea: 0.005}
}

// DetectFaces implements FaceDetector
func (d *SkinToneDetector) DetectFaces(ctx context.Context, img image.Image) ([]pipeline.DetectedFace, error) {
	nrgba := imaging.Clone(img)

	box, count, err := scanBox(ctx, nrgba, isSkin)
	if err != nil {
		return nil, err
	}

	total := float64(nrgba.Bounds().Dx() * nrgba.Bounds().Dy())
	if count == 0 || total == 0 || float64(count)/total < d.MinArea {
		return nil, nil
	}

	fill := float64(count) / float64(box.Width*box.Height)
	return []pipeline.DetectedFace{{
		Confidence: round2(math.Min(0.95, 0.3+fill*0.6)),
		Box:        box,
	}}, nil
}

// EdgeTextDetector finds horizontal bands with dense luminance transitions,
// which is where rendered text usually sits. It reports regions only.
type EdgeTextDetector struct {
	EdgeThreshold float64 // luminance delta counted as an edge
	MinDensity    float64 // fraction of edge pixels for a row to count as text
}

// NewEdgeTextDetector creates a detector with default thresholds
func NewEdgeTextDetector() *EdgeTextDetector {
	return &EdgeTextDetector{EdgeThreshold: 60, MinDensity: 0.08}
}

// DetectText implements TextDetector
func (d *EdgeTextDetector) DetectText(ctx context.Context, img image.Image) ([]pipeline.DetectedText, error) {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 2 || h == 0 {
		return nil, nil
	}

	var regions []pipeline.DetectedText
	start := -1
	minX, maxX := w, -1
	var density float64

	flush := func(end int) {
		if start >= 0 && end-start >= 2 && maxX > minX {
			regions = append(regions, pipeline.DetectedText{
				Confidence: round2(math.Min(0.9, 0.4+density)),
				Box:        pipeline.Box{X: minX, Y: start, Width: maxX - minX + 1, Height: end - start},
			})
		}
		start, minX, maxX, density = -1, w, -1, 0
	}

	for y := 0; y < h; y++ {
		if y%pollRows == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		edges := 0
		rowMin, rowMax := w, -1
		for x := 1; x < w; x++ {
			prev := gray.Pix[y*gray.Stride+(x-1)*4]
			cur := gray.Pix[y*gray.Stride+x*4]
			if math.Abs(float64(cur)-float64(prev)) >= d.EdgeThreshold {
				edges++
				if x < rowMin {
					rowMin = x
				}
				rowMax = x
			}
		}

		rowDensity := float64(edges) / float64(w-1)
		if rowDensity >= d.MinDensity {
			if start < 0 {
				start = y
			}
			if rowMin < minX {
				minX = rowMin
			}
			if rowMax > maxX {
				maxX = rowMax
			}
			if rowDensity > density {
				density = rowDensity
			}
			continue
		}
		flush(y)
	}
	flush(h)

	return regions, nil
}

// BackgroundColor estimates the background as the average of the four corners
func BackgroundColor(img *image.NRGBA) color.NRGBA {
	b := img.Bounds()
	if b.Empty() {
		return color.NRGBA{}
	}
	corners := []color.NRGBA{
		img.NRGBAAt(b.Min.X, b.Min.Y),
		img.NRGBAAt(b.Max.X-1, b.Min.Y),
		img.NRGBAAt(b.Min.X, b.Max.Y-1),
		img.NRGBAAt(b.Max.X-1, b.Max.Y-1),
	}
	var r, g, bl, a int
	for _, c := range corners {
		r += int(c.R)
		g += int(c.G)
		bl += int(c.B)
		a += int(c.A)
	}
	return color.NRGBA{R: uint8(r / 4), G: uint8(g / 4), B: uint8(bl / 4), A: uint8(a / 4)}
}

// Near reports whether every channel of a and b differs by at most tol
func Near(a, b color.NRGBA, tol int) bool {
	return absInt(int(a.R)-int(b.R)) <= tol &&
		absInt(int(a.G)-int(b.G)) <= tol &&
		absInt(int(a.B)-int(b.B)) <= tol
}

func scanBox(ctx context.Context, img *image.NRGBA, match func(color.NRGBA) bool) (pipeline.Box, int, error) {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, -1, -1
	count := 0

	for y := b.Min.Y; y < b.Max.Y; y++ {
		if (y-b.Min.Y)%pollRows == 0 {
			if err := ctx.Err(); err != nil {
				return pipeline.Box{}, 0, err
			}
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			if !match(img.NRGBAAt(x, y)) {
				continue
			}
			count++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if count == 0 {
		return pipeline.Box{}, 0, nil
	}
	return pipeline.Box{X: minX, Y: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}, count, nil
}

// isSkin applies the classic RGB skin rule (Kovac et al.)
func isSkin(c color.NRGBA) bool {
	if c.A < 128 {
		return false
	}
	r, g, b := int(c.R), int(c.G), int(c.B)
	maxC := max(r, g, b)
	minC := min(r, g, b)
	return r > 95 && g > 40 && b > 20 &&
		maxC-minC > 15 &&
		absInt(r-g) > 15 && r > g && r > b
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
