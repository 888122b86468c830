package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-content/pkg/simplecontent"

	"github.com/tendant/simple-media-pipeline/internal/storage"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
	"github.com/tendant/simple-media-pipeline/pkg/runner"
)

var kindByExtension = map[string]pipeline.Kind{
	".png":      pipeline.KindImage,
	".jpg":      pipeline.KindImage,
	".jpeg":     pipeline.KindImage,
	".gif":      pipeline.KindImage,
	".wav":      pipeline.KindAudio,
	".pdf":      pipeline.KindDocument,
	".html":     pipeline.KindDocument,
	".htm":      pipeline.KindDocument,
	".txt":      pipeline.KindDocument,
	".csv":      pipeline.KindDocument,
	".md":       pipeline.KindDocument,
	".markdown": pipeline.KindDocument,
}

type processFlags struct {
	kind     string
	embedded bool
	progress bool
	timeout  time.Duration

	image    pipeline.ImageOptions
	audio    pipeline.AudioOptions
	document pipeline.DocumentOptions
	pages    string
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var f processFlags

	cmd := &cobra.Command{
		Use:   "process <path>",
		Short: "Process one media file and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("file does not exist: %s", path)
				}
				return fmt.Errorf("read file: %w", err)
			}

			kind, err := resolveKind(f.kind, path)
			if err != nil {
				return err
			}
			opts, err := f.options()
			if err != nil {
				return err
			}

			if f.embedded {
				cfg.Storage.EmbeddedContent = true
				cfg.Storage.ContentAPIURL = ""
			}

			r, err := runner.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = r.Shutdown(shutdownCtx)
			}()

			locator := ""
			if f.embedded {
				locator, err = upload(cmd.Context(), r.Content(), path, data)
				if err != nil {
					return err
				}
				data = nil
			}

			rec, err := buildRecord(kind, locator, data, path)
			if err != nil {
				return err
			}

			runCtx := cmd.Context()
			if f.timeout > 0 {
				var cancel context.CancelFunc
				runCtx, cancel = context.WithTimeout(runCtx, f.timeout)
				defer cancel()
			}

			var result *pipeline.Result
			if f.progress {
				result, err = processWithProgress(runCtx, cmd, r, rec, opts)
			} else {
				result, err = r.ProcessAndWait(runCtx, rec, opts)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd, result)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.kind, "kind", "", "Record kind (image, audio, document); inferred from the extension when empty")
	flags.BoolVar(&f.embedded, "embedded", false, "Upload to an embedded content store and write derived outputs there")
	flags.BoolVar(&f.progress, "progress", false, "Print progress to stderr")
	flags.DurationVar(&f.timeout, "timeout", 0, "Cancel the run after this long")

	flags.BoolVar(&f.image.DetectObjects, "detect-objects", false, "Detect objects")
	flags.BoolVar(&f.image.DetectFaces, "detect-faces", false, "Detect faces")
	flags.BoolVar(&f.image.DetectText, "detect-text", false, "Detect text regions")
	flags.BoolVar(&f.image.EnhanceQuality, "enhance", false, "Enhance image quality")
	flags.BoolVar(&f.image.RemoveBackground, "remove-background", false, "Remove a uniform background")
	flags.IntVar(&f.image.ResizeWidth, "width", 0, "Resize to this width")
	flags.IntVar(&f.image.ResizeHeight, "height", 0, "Resize to this height")

	flags.BoolVar(&f.audio.Transcribe, "transcribe", false, "Transcribe speech")
	flags.StringVar(&f.audio.TranscriptionLanguage, "language", "", "Transcription language")
	flags.BoolVar(&f.audio.RemoveSilence, "remove-silence", false, "Remove silent spans")
	flags.Float64Var(&f.audio.SilenceThreshold, "silence-threshold", 0, "Silence amplitude threshold")
	flags.BoolVar(&f.audio.ReduceNoise, "reduce-noise", false, "Reduce noise")
	flags.Float64Var(&f.audio.SpeedFactor, "speed", 0, "Playback speed factor")
	flags.Float64Var(&f.audio.VolumeFactor, "volume", 0, "Volume factor")

	flags.BoolVar(&f.document.ExtractText, "extract-text", false, "Extract text (and summarize long text when a generator is configured)")
	flags.BoolVar(&f.document.ExtractImages, "extract-images", false, "List embedded images")
	flags.BoolVar(&f.document.ExtractTables, "extract-tables", false, "Extract tables")
	flags.BoolVar(&f.document.IncludeMetadata, "metadata", false, "Include document metadata")
	flags.StringVar(&f.pages, "pages", "", "Page range such as 2-5 or 3")

	return cmd
}

func (f processFlags) options() (pipeline.Options, error) {
	opts := pipeline.Options{Image: f.image, Audio: f.audio, Document: f.document}
	if f.pages != "" {
		pr, err := parsePageRange(f.pages)
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.Document.PageRange = pr
	}
	return opts, nil
}

func resolveKind(flag, path string) (pipeline.Kind, error) {
	if flag != "" {
		switch k := pipeline.Kind(strings.ToLower(flag)); k {
		case pipeline.KindImage, pipeline.KindAudio, pipeline.KindDocument:
			return k, nil
		default:
			return "", fmt.Errorf("%w: %q", pipeline.ErrUnsupportedKind, flag)
		}
	}
	ext := strings.ToLower(filepath.Ext(path))
	if k, ok := kindByExtension[ext]; ok {
		return k, nil
	}
	return "", fmt.Errorf("cannot infer kind from extension %q; use --kind", ext)
}

func parsePageRange(s string) (*pipeline.PageRange, error) {
	start, end, found := strings.Cut(s, "-")
	a, err := strconv.Atoi(strings.TrimSpace(start))
	if err != nil || a < 1 {
		return nil, fmt.Errorf("invalid page range %q", s)
	}
	b := a
	if found {
		b, err = strconv.Atoi(strings.TrimSpace(end))
		if err != nil || b < a {
			return nil, fmt.Errorf("invalid page range %q", s)
		}
	}
	return &pipeline.PageRange{Start: a, End: b}, nil
}

func buildRecord(kind pipeline.Kind, locator string, data []byte, path string) (pipeline.Record, error) {
	req := pipeline.ProcessRequest{
		Kind:     kind,
		Locator:  locator,
		Data:     data,
		Format:   strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
		Metadata: map[string]string{"source_path": path},
	}
	return req.Record()
}

func upload(ctx context.Context, svc simplecontent.Service, path string, data []byte) (string, error) {
	if svc == nil {
		return "", errors.New("embedded content store is not available")
	}
	content, err := svc.UploadContent(ctx, simplecontent.UploadContentRequest{
		OwnerID:  uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		TenantID: uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		Name:     filepath.Base(path),
		Reader:   bytes.NewReader(data),
		FileName: filepath.Base(path),
		Tags:     []string{"standalone"},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return storage.SchemeContent + content.ID.String(), nil
}
