package capability

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// DefaultWhisperImage is the whisper.cpp container used when none is configured
const DefaultWhisperImage = "ghcr.io/ggerganov/whisper.cpp:main"

// WhisperConfig configures the containerised whisper.cpp transcriber
type WhisperConfig struct {
	Image     string
	ModelPath string // host path of a ggml model file
	Memory    int64  // container memory limit in bytes
}

// WhisperTranscriber implements Transcriber by running whisper.cpp in Docker
type WhisperTranscriber struct {
	cfg WhisperConfig

	initOnce sync.Once
	initErr  error
	docker   *client.Client
}

// NewWhisperTranscriber creates a transcriber; the Docker client is created lazily
func NewWhisperTranscriber(cfg WhisperConfig) *WhisperTranscriber {
	if cfg.Image == "" {
		cfg.Image = DefaultWhisperImage
	}
	if cfg.Memory <= 0 {
		cfg.Memory = 2 * 1024 * 1024 * 1024
	}
	return &WhisperTranscriber{cfg: cfg}
}

func (t *WhisperTranscriber) init() error {
	t.initOnce.Do(func() {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			t.initErr = fmt.Errorf("create docker client: %w", err)
			return
		}
		t.docker = cli
	})
	return t.initErr
}

// Transcribe implements Transcriber
func (t *WhisperTranscriber) Transcribe(ctx context.Context, wav []byte, language string) (*pipeline.Transcript, error) {
	if err := t.init(); err != nil {
		return nil, err
	}
	if language == "" {
		language = "auto"
	}

	tmpDir, err := os.MkdirTemp("", "whisper-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	audioFile := filepath.Join(tmpDir, "audio.wav")
	if err := os.WriteFile(audioFile, wav, 0644); err != nil {
		return nil, fmt.Errorf("write audio file: %w", err)
	}

	stdout, stderr, err := t.run(ctx, audioFile, language)
	if err != nil {
		return nil, err
	}

	result := parseWhisperOutput(stdout)
	if result.Text == "" {
		result.Text = extractTextFromRaw(stderr)
	}
	result.Language = language
	return result, nil
}

func (t *WhisperTranscriber) run(ctx context.Context, audioPath, language string) (string, string, error) {
	modelArg := "/models/ggml-base.bin"
	binds := []string{audioPath + ":/audio/audio.wav:ro"}
	if t.cfg.ModelPath != "" {
		modelArg = "/models/" + filepath.Base(t.cfg.ModelPath)
		binds = append(binds, t.cfg.ModelPath+":"+modelArg+":ro")
	}

	containerConfig := &container.Config{
		Image: t.cfg.Image,
		Cmd: []string{
			"whisper-cli",
			"-m", modelArg,
			"-f", "/audio/audio.wav",
			"-l", language,
		},
		WorkingDir: "/audio",
	}
	hostConfig := &container.HostConfig{
		Binds: binds,
		Resources: container.Resources{
			Memory: t.cfg.Memory,
		},
	}
	name := fmt.Sprintf("whisper-%d", time.Now().UnixNano())

	created, err := t.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil && isImageNotFound(err) {
		if err := t.pullImage(ctx); err != nil {
			return "", "", fmt.Errorf("pull whisper image: %w", err)
		}
		created, err = t.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	}
	if err != nil {
		return "", "", fmt.Errorf("create container: %w", err)
	}
	defer func() {
		// use a fresh context so cancelled runs still clean up their container
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		t.docker.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true})
	}()

	if err := t.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", "", fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := t.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", "", fmt.Errorf("container wait: %w", err)
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return "", "", fmt.Errorf("whisper exited with status %d", status.StatusCode)
		}
	}

	out, err := t.docker.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("get container logs: %w", err)
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil {
		return "", "", fmt.Errorf("read container output: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (t *WhisperTranscriber) pullImage(ctx context.Context) error {
	reader, err := t.docker.ImagePull(ctx, t.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the Docker client
func (t *WhisperTranscriber) Close() error {
	if t.docker != nil {
		return t.docker.Close()
	}
	return nil
}

// parseWhisperOutput reads whisper-cli lines of the form
// "[00:00:00.000 --> 00:00:02.500]  text"
func parseWhisperOutput(stdout string) *pipeline.Transcript {
	result := &pipeline.Transcript{}
	var texts []string

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "]")
		if end == -1 {
			continue
		}
		text := strings.TrimSpace(line[end+1:])
		if text == "" {
			continue
		}

		seg := pipeline.TranscriptSegment{Text: text}
		if from, to, ok := strings.Cut(line[1:end], "-->"); ok {
			seg.Start = parseTimestamp(strings.TrimSpace(from))
			seg.End = parseTimestamp(strings.TrimSpace(to))
		}
		result.Segments = append(result.Segments, seg)
		texts = append(texts, text)
	}

	result.Text = strings.Join(texts, " ")
	return result
}

// parseTimestamp converts "HH:MM:SS.mmm" to seconds
func parseTimestamp(ts string) float64 {
	parts := strings.Split(ts, ":")
	var secs float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0
		}
		secs = secs*60 + v
	}
	return secs
}

func extractTextFromRaw(output string) string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "whisper") && !strings.HasPrefix(line, "system_info") {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, " ")
}

func isImageNotFound(err error) bool {
	return strings.Contains(err.Error(), "No such image") ||
		strings.Contains(err.Error(), "not found")
}
