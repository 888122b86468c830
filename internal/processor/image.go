package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-media-pipeline/internal/capability"
	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/internal/storage"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// Image stage names
const (
	StageDetectObjects    = "detect_objects"
	StageDetectFaces      = "detect_faces"
	StageDetectText       = "detect_text"
	StageEnhance          = "enhance_quality"
	StageRemoveBackground = "remove_background"
	StageResize           = "resize"
)

// ImageProcessor decodes an image once and runs the selected detection and
// transformation stages over it
type ImageProcessor struct {
	*base
	deps Deps
}

// NewImageProcessor creates a processor for one image run
func NewImageProcessor(runID string, deps Deps) *ImageProcessor {
	return &ImageProcessor{base: newBase(runID, pipeline.KindImage), deps: deps.WithDefaults()}
}

// Process implements Processor
func (p *ImageProcessor) Process(ctx context.Context, rec pipeline.Record, opts pipeline.Options) (*pipeline.Result, error) {
	img, ok := rec.(*pipeline.ImageRecord)
	if !ok {
		return nil, fmt.Errorf("%w: image processor got %T", pipeline.ErrWrongRecord, rec)
	}
	return p.run(ctx, rec, func(ctx context.Context, result *pipeline.Result) error {
		return p.execute(ctx, img, opts.Image, result)
	})
}

func (p *ImageProcessor) execute(ctx context.Context, rec *pipeline.ImageRecord, opts pipeline.ImageOptions, result *pipeline.Result) error {
	t := newTracker(p.updateProgress)

	data, err := loadBytes(ctx, p.deps.Fetcher, rec.Locator, rec.Data)
	if err != nil {
		return err
	}
	t.setDecode(0.5)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return pipeline.DecodeError(fmt.Errorf("decode image config: %w", err))
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.deps.MaxImagePixels {
		return pipeline.DecodeError(fmt.Errorf("image is %dx%d, above the %d pixel limit", cfg.Width, cfg.Height, p.deps.MaxImagePixels))
	}
	decoded, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return pipeline.DecodeError(fmt.Errorf("decode image: %w", err))
	}
	t.setDecode(1)

	bounds := decoded.Bounds()
	out := &pipeline.ImageResult{Width: bounds.Dx(), Height: bounds.Dy(), Format: format}
	result.Image = out

	p.logger.Debug().
		Str(log.FieldFormat, format).
		Int("width", out.Width).
		Int("height", out.Height).
		Msg("image decoded")

	parent := storage.ParentKey(rec.Locator, rec.ID)
	var stages []stage

	if opts.DetectObjects {
		stages = append(stages, stage{StageDetectObjects, func(ctx context.Context, _ func(float64)) error {
			if p.deps.Objects == nil {
				return fmt.Errorf("no object detector configured")
			}
			return compute(ctx, p.deps.CPU, func() error {
				objects, err := p.deps.Objects.DetectObjects(ctx, decoded)
				if err != nil {
					return err
				}
				out.Objects = objects
				return nil
			})
		}})
	}
	if opts.DetectFaces {
		stages = append(stages, stage{StageDetectFaces, func(ctx context.Context, _ func(float64)) error {
			if p.deps.Faces == nil {
				return fmt.Errorf("no face detector configured")
			}
			return compute(ctx, p.deps.CPU, func() error {
				faces, err := p.deps.Faces.DetectFaces(ctx, decoded)
				if err != nil {
					return err
				}
				out.Faces = faces
				return nil
			})
		}})
	}
	if opts.DetectText {
		stages = append(stages, stage{StageDetectText, func(ctx context.Context, _ func(float64)) error {
			if p.deps.Texts == nil {
				return fmt.Errorf("no text detector configured")
			}
			return compute(ctx, p.deps.CPU, func() error {
				texts, err := p.deps.Texts.DetectText(ctx, decoded)
				if err != nil {
					return err
				}
				out.Text = texts
				return nil
			})
		}})
	}
	if opts.EnhanceQuality {
		stages = append(stages, stage{StageEnhance, func(ctx context.Context, report func(float64)) error {
			var enhanced image.Image
			err := compute(ctx, p.deps.CPU, func() error {
				enhanced = enhance(decoded)
				return nil
			})
			if err != nil {
				return err
			}
			report(0.7)
			media, err := p.render(ctx, enhanced, format, parent, DerivedEnhanced)
			if err != nil {
				return err
			}
			out.Enhanced = media
			return nil
		}})
	}
	if opts.RemoveBackground {
		stages = append(stages, stage{StageRemoveBackground, func(ctx context.Context, report func(float64)) error {
			var cut image.Image
			err := compute(ctx, p.deps.CPU, func() (err error) {
				cut, err = removeBackground(ctx, decoded, capability.BackgroundTolerance)
				return err
			})
			if err != nil {
				return err
			}
			report(0.7)
			// transparency needs an alpha-capable format
			media, err := p.render(ctx, cut, "png", parent, DerivedBackgroundRemoved)
			if err != nil {
				return err
			}
			out.BackgroundRemoved = media
			return nil
		}})
	}
	if opts.ResizeWidth > 0 || opts.ResizeHeight > 0 {
		stages = append(stages, stage{StageResize, func(ctx context.Context, report func(float64)) error {
			var resized image.Image
			err := compute(ctx, p.deps.CPU, func() error {
				resized = imaging.Resize(decoded, opts.ResizeWidth, opts.ResizeHeight, imaging.Lanczos)
				return nil
			})
			if err != nil {
				return err
			}
			report(0.7)
			media, err := p.render(ctx, resized, format, parent, DerivedResized)
			if err != nil {
				return err
			}
			out.Resized = media
			return nil
		}})
	}

	return p.fanOut(ctx, t, stages)
}

// render encodes img and files it as a derived output
func (p *ImageProcessor) render(ctx context.Context, img image.Image, format, parent, derivedType string) (*pipeline.MediaOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encFormat, name := encoderFor(format)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, encFormat, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}

	b := img.Bounds()
	return storeOutput(ctx, p.deps.Derived, parent, derivedType, name, buf.Bytes(), &pipeline.MediaOutput{
		Width:  b.Dx(),
		Height: b.Dy(),
	})
}

func encoderFor(format string) (imaging.Format, string) {
	switch format {
	case "jpeg", "jpg":
		return imaging.JPEG, "jpeg"
	case "gif":
		return imaging.GIF, "gif"
	case "bmp":
		return imaging.BMP, "bmp"
	case "tiff":
		return imaging.TIFF, "tiff"
	default:
		return imaging.PNG, "png"
	}
}

func enhance(img image.Image) *image.NRGBA {
	out := imaging.AdjustContrast(img, 12)
	out = imaging.AdjustSaturation(out, 8)
	return imaging.Sharpen(out, 0.8)
}

// removeBackground makes every pixel close to the corner colour transparent
func removeBackground(ctx context.Context, img image.Image, tolerance int) (*image.NRGBA, error) {
	nrgba := imaging.Clone(img)
	bg := capability.BackgroundColor(nrgba)
	b := nrgba.Bounds()

	for y := b.Min.Y; y < b.Max.Y; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			c := nrgba.NRGBAAt(x, y)
			if capability.Near(c, bg, tolerance) {
				c.A = 0
				nrgba.SetNRGBA(x, y, c)
			}
		}
	}
	return nrgba, nil
}
