// Package mediatools is the narrow shell around ffmpeg and an HTTP client
// that the Download stage uses to turn a source URL into a local, known-format
// audio file. Media acquisition and transcoding are intentionally kept behind
// this small interface rather than exposed to the rest of the pipeline.
package mediatools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/logger"
)

const ReferenceAudioBitrateKbps = 192

type Tools interface {
	AssertReady(ctx context.Context) error

	// FetchURL downloads sourceURL into workDir and returns the local path.
	FetchURL(ctx context.Context, sourceURL, workDir string) (string, error)

	// TranscodeToMP3 converts any ffmpeg-readable input into an MP3 at
	// ReferenceAudioBitrateKbps, the reference target for ASR and for the
	// final stored audio artifact.
	TranscodeToMP3(ctx context.Context, inputPath, outPath string) (string, error)

	// ChunkAudio splits inputPath into sequential MP3 segments of at most
	// chunkSeconds each, written under chunkDir, and returns their paths in
	// order. Used by the Transcribe stage to bound wall-clock work per ASR
	// call (§4.6 step 2).
	ChunkAudio(ctx context.Context, inputPath, chunkDir string, chunkSeconds int) ([]string, error)

	WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error)
}

type tools struct {
	log            *logger.Logger
	ffmpegPath     string
	httpClient     *http.Client
	workRoot       string
	defaultTimeout time.Duration
}

func New(log *logger.Logger) Tools {
	return &tools{
		log:            log.With("service", "MediaTools"),
		ffmpegPath:     "ffmpeg",
		httpClient:     &http.Client{Timeout: 15 * time.Minute},
		workRoot:       "/tmp/clipcaption-media",
		defaultTimeout: 15 * time.Minute,
	}
}

func (m *tools) AssertReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = ctx
	if _, err := exec.LookPath(m.ffmpegPath); err != nil {
		return apierr.Storage("ffmpeg_not_found", fmt.Errorf("missing required binary %q in PATH: %w", m.ffmpegPath, err))
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return apierr.Storage("mkdir_workroot_failed", err)
	}
	return nil
}

func (m *tools) WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error) {
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, apierr.Storage("mkdir_workroot_failed", err)
	}
	h := sha256.Sum256(data)
	base := hex.EncodeToString(h[:])[:16]
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	path := filepath.Join(m.workRoot, base+suffix)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", func() {}, apierr.Storage("write_temp_file_failed", err)
	}
	cleanup := func() { _ = os.Remove(path) }
	return path, cleanup, nil
}

// FetchURL streams sourceURL to a local file named from the URL's final path
// segment (falling back to "source.media" when that segment is empty or
// carries a query string). Non-2xx responses are
// classified as Upstream; network/timeout errors are Upstream as well, since
// the source is an external server outside this system's control.
func (m *tools) FetchURL(ctx context.Context, sourceURL, workDir string) (string, error) {
	if sourceURL == "" {
		return "", apierr.Input("empty_source_url", fmt.Errorf("source URL is empty"))
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", apierr.Storage("mkdir_workdir_failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", apierr.Input("invalid_source_url", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", apierr.Upstream("fetch_source_failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apierr.Upstream("fetch_source_bad_status", fmt.Errorf("source returned status %d", resp.StatusCode))
	}

	name := filepath.Base(sourceURL)
	if name == "" || name == "." || name == "/" || strings.Contains(name, "?") {
		name = "source.media"
	}
	outPath := filepath.Join(workDir, name)
	f, err := os.Create(outPath)
	if err != nil {
		return "", apierr.Storage("create_local_file_failed", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", apierr.Upstream("download_body_failed", err)
	}
	return outPath, nil
}

// TranscodeToMP3 runs `ffmpeg -i inputPath -vn -b:a 192k outPath`, discarding
// any video stream — only the audio track feeds ASR and enrichment.
func (m *tools) TranscodeToMP3(ctx context.Context, inputPath, outPath string) (string, error) {
	if err := m.AssertReady(ctx); err != nil {
		return "", err
	}
	if inputPath == "" || outPath == "" {
		return "", apierr.Input("missing_path", fmt.Errorf("inputPath and outPath are required"))
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", apierr.Storage("mkdir_outpath_dir_failed", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-b:a", strconv.Itoa(ReferenceAudioBitrateKbps) + "k",
		outPath,
	}
	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", apierr.Storage("ffmpeg_transcode_failed", fmt.Errorf("%w; out=%s", err, string(out)))
	}
	if _, err := os.Stat(outPath); err != nil {
		return "", apierr.Storage("transcode_output_missing", fmt.Errorf("expected output at %s", outPath))
	}
	return outPath, nil
}

// ChunkAudio runs ffmpeg's segment muxer to split inputPath on chunkSeconds
// boundaries without re-encoding. The final chunk may be shorter than
// chunkSeconds.
func (m *tools) ChunkAudio(ctx context.Context, inputPath, chunkDir string, chunkSeconds int) ([]string, error) {
	if err := m.AssertReady(ctx); err != nil {
		return nil, err
	}
	if chunkSeconds <= 0 {
		chunkSeconds = 20 * 60
	}
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return nil, apierr.Storage("mkdir_chunkdir_failed", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	pattern := filepath.Join(chunkDir, "chunk_%04d.mp3")
	args := []string{
		"-y",
		"-i", inputPath,
		"-f", "segment",
		"-segment_time", strconv.Itoa(chunkSeconds),
		"-c", "copy",
		pattern,
	}
	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, apierr.Storage("ffmpeg_chunk_failed", fmt.Errorf("%w; out=%s", err, string(out)))
	}

	entries, err := os.ReadDir(chunkDir)
	if err != nil {
		return nil, apierr.Storage("read_chunkdir_failed", err)
	}
	var chunks []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "chunk_") {
			continue
		}
		chunks = append(chunks, filepath.Join(chunkDir, e.Name()))
	}
	sort.Strings(chunks)
	if len(chunks) == 0 {
		return nil, apierr.Storage("no_chunks_produced", fmt.Errorf("ffmpeg produced no segments for %s", inputPath))
	}
	return chunks, nil
}
