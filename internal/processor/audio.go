package processor

import (
	"context"
	"fmt"

	"github.com/tendant/simple-media-pipeline/internal/audio"
	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/internal/metrics"
	"github.com/tendant/simple-media-pipeline/internal/storage"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// Audio stage names
const (
	StageTranscribe    = "transcribe"
	StageRemoveSilence = "remove_silence"
	StageReduceNoise   = "reduce_noise"
	StageAdjust        = "adjust_playback"
)

// AudioProcessor decodes a WAV clip and runs the selected stages over it
type AudioProcessor struct {
	*base
	deps Deps
}

// NewAudioProcessor creates a processor for one audio run
func NewAudioProcessor(runID string, deps Deps) *AudioProcessor {
	return &AudioProcessor{base: newBase(runID, pipeline.KindAudio), deps: deps.WithDefaults()}
}

// Process implements Processor
func (p *AudioProcessor) Process(ctx context.Context, rec pipeline.Record, opts pipeline.Options) (*pipeline.Result, error) {
	clip, ok := rec.(*pipeline.AudioRecord)
	if !ok {
		return nil, fmt.Errorf("%w: audio processor got %T", pipeline.ErrWrongRecord, rec)
	}
	return p.run(ctx, rec, func(ctx context.Context, result *pipeline.Result) error {
		return p.execute(ctx, clip, opts.Audio, result)
	})
}

func (p *AudioProcessor) execute(ctx context.Context, rec *pipeline.AudioRecord, opts pipeline.AudioOptions, result *pipeline.Result) error {
	t := newTracker(p.updateProgress)

	data, err := loadBytes(ctx, p.deps.Fetcher, rec.Locator, rec.Data)
	if err != nil {
		return err
	}
	t.setDecode(0.5)

	clip, err := p.decode(ctx, data)
	if err != nil {
		return err
	}
	t.setDecode(1)

	out := &pipeline.AudioResult{
		Duration:   clip.Duration(),
		SampleRate: clip.SampleRate,
		Channels:   len(clip.Channels),
	}
	result.Audio = out

	p.logger.Debug().
		Float64("duration", out.Duration).
		Int("sample_rate", out.SampleRate).
		Int("channels", out.Channels).
		Msg("audio decoded")

	parent := storage.ParentKey(rec.Locator, rec.ID)
	var stages []stage

	if opts.Transcribe {
		stages = append(stages, stage{StageTranscribe, func(ctx context.Context, _ func(float64)) error {
			if rec.Transcript != "" {
				out.Transcript = &pipeline.Transcript{Text: rec.Transcript, Language: opts.TranscriptionLanguage}
				return nil
			}
			if p.deps.Transcriber == nil {
				return fmt.Errorf("no transcriber configured")
			}
			tr, err := p.deps.Transcriber.Transcribe(ctx, data, opts.TranscriptionLanguage)
			if err != nil {
				return err
			}
			out.Transcript = tr
			return nil
		}})
	}
	if opts.RemoveSilence {
		stages = append(stages, stage{StageRemoveSilence, func(ctx context.Context, report func(float64)) error {
			var trimmed *audio.Clip
			err := compute(ctx, p.deps.CPU, func() (err error) {
				trimmed, err = audio.RemoveSilence(ctx, clip, opts.SilenceThreshold)
				return err
			})
			if err != nil {
				return err
			}
			report(0.7)
			media, err := p.render(ctx, trimmed, parent, DerivedSilenceRemoved)
			if err != nil {
				return err
			}
			out.SilenceRemoved = media
			return nil
		}})
	}
	if opts.ReduceNoise {
		stages = append(stages, stage{StageReduceNoise, func(ctx context.Context, report func(float64)) error {
			var filtered *audio.Clip
			err := compute(ctx, p.deps.CPU, func() (err error) {
				filtered, err = audio.ReduceNoise(ctx, clip)
				return err
			})
			if err != nil {
				return err
			}
			report(0.7)
			media, err := p.render(ctx, filtered, parent, DerivedNoiseReduced)
			if err != nil {
				return err
			}
			out.NoiseReduced = media
			return nil
		}})
	}
	if adjusts(opts.SpeedFactor) || adjusts(opts.VolumeFactor) {
		stages = append(stages, stage{StageAdjust, func(ctx context.Context, report func(float64)) error {
			adjusted := clip
			err := compute(ctx, p.deps.CPU, func() (err error) {
				if adjusts(opts.SpeedFactor) {
					if adjusted, err = audio.ChangeSpeed(ctx, adjusted, opts.SpeedFactor); err != nil {
						return err
					}
					report(0.4)
				}
				if adjusts(opts.VolumeFactor) {
					if adjusted, err = audio.ChangeVolume(ctx, adjusted, opts.VolumeFactor); err != nil {
						return err
					}
					report(0.7)
				}
				return nil
			})
			if err != nil {
				return err
			}
			media, err := p.render(ctx, adjusted, parent, DerivedProcessedAudio)
			if err != nil {
				return err
			}
			out.Processed = media
			return nil
		}})
	}

	return p.fanOut(ctx, t, stages)
}

// decode holds an audio decode context for the duration of the decode and
// releases it on every return path
func (p *AudioProcessor) decode(ctx context.Context, data []byte) (*audio.Clip, error) {
	if sem := p.deps.AudioDecode; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)
	}
	metrics.AudioDecodeContexts.Inc()
	defer metrics.AudioDecodeContexts.Dec()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, pipeline.DecodeError(fmt.Errorf("decode audio: %w", err))
	}
	if clip.Frames() == 0 {
		return nil, pipeline.DecodeError(fmt.Errorf("decode audio: no samples"))
	}
	return clip, nil
}

func (p *AudioProcessor) render(ctx context.Context, clip *audio.Clip, parent, derivedType string) (*pipeline.MediaOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	encoded, err := audio.EncodeWAV(clip)
	if err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	p.logger.Debug().Str(log.FieldStage, derivedType).Int(log.FieldBytes, len(encoded)).Msg("audio rendered")
	return storeOutput(ctx, p.deps.Derived, parent, derivedType, "wav", encoded, &pipeline.MediaOutput{
		Duration: clip.Duration(),
	})
}

// adjusts reports whether a speed or volume factor changes anything
func adjusts(factor float64) bool {
	return factor > 0 && factor != 1
}
