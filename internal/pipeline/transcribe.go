package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	asrgcp "github.com/clipcaption/pipeline/internal/clients/gcp"
	"github.com/clipcaption/pipeline/internal/domain/subtitle"
	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/jobs/runtime"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/gcp"
	"github.com/clipcaption/pipeline/internal/platform/logger"
	"github.com/clipcaption/pipeline/internal/platform/mediatools"
	"github.com/clipcaption/pipeline/internal/platform/stepcache"
)

const chunkSeconds = 20 * 60

// TranscribeHandler runs the Transcribe stage (§4.6): audio blob ->
// word-timestamped segments, chunked by wall-clock duration with
// concurrency 1, cached whole under the ASR cache key.
type TranscribeHandler struct {
	log          *logger.Logger
	tools        mediatools.Tools
	blobs        gcp.BlobStore
	asr          asrgcp.ASREngine
	cache        stepcache.Cache
	coordinator  *Coordinator
	workRoot     string
	languageCode string
}

func NewTranscribeHandler(log *logger.Logger, tools mediatools.Tools, blobs gcp.BlobStore, asr asrgcp.ASREngine, cache stepcache.Cache, coordinator *Coordinator) *TranscribeHandler {
	return &TranscribeHandler{
		log:          log.With("service", "pipeline.TranscribeHandler"),
		tools:        tools,
		blobs:        blobs,
		asr:          asr,
		cache:        cache,
		coordinator:  coordinator,
		workRoot:     filepath.Join(os.TempDir(), "clipcaption-jobs", "transcribe"),
		languageCode: "ja-JP",
	}
}

func (h *TranscribeHandler) Type() string { return string(domain.WorkUnitTranscribe) }

func (h *TranscribeHandler) Run(rc *runtime.Context) error {
	audioRef := rc.PayloadString("audio_ref")
	if audioRef == "" {
		return h.terminal(rc, "transcribe", apierr.Input("missing_audio_ref", fmt.Errorf("work unit payload has no audio_ref")))
	}
	rootID, err := RootTaskID(rc.Payload())
	if err != nil {
		return h.terminal(rc, "transcribe", err)
	}
	if err := rc.Progress(2, "materializing audio"); err != nil {
		return err
	}

	workDir := filepath.Join(h.workRoot, rc.Task.TaskID.String())
	localPath, err := h.blobs.Resolve(rc.Ctx, audioRef, workDir)
	if err != nil {
		return h.terminal(rc, "transcribe", err)
	}

	audioBytes, err := os.ReadFile(localPath)
	if err != nil {
		return h.terminal(rc, "transcribe", apierr.Storage("read_local_audio_failed", err))
	}

	cacheKey := stepcache.Key("transcribe", stepcache.FingerprintCRC32(audioBytes), map[string]string{
		"language_code": h.languageCode,
		"asr_model":     "default",
	})

	segments, err := RunCached(rc.Ctx, h.cache, cacheKey, DownloadCacheTTL, func(ctx context.Context) ([]subtitle.Segment, error) {
		return h.transcribeChunks(ctx, rc, localPath, workDir)
	})
	if err != nil {
		if apierr.Transient(err) {
			return err
		}
		return h.terminal(rc, "transcribe", err)
	}
	_ = rc.Progress(85, "transcription complete")

	raw, err := json.Marshal(segments)
	if err != nil {
		return h.terminal(rc, "transcribe", apierr.Storage("marshal_segments_failed", err))
	}
	segmentsKey := fmt.Sprintf("%s/segments.json", rc.Task.TaskID.String())
	if err := h.blobs.Put(rc.Ctx, segmentsKey, bytes.NewReader(raw), "application/json"); err != nil {
		if apierr.Transient(err) {
			return err
		}
		return h.terminal(rc, "transcribe", err)
	}
	_ = rc.Progress(98, "uploaded segments")

	if err := rc.Succeed("transcription complete", segmentsKey); err != nil {
		return err
	}
	return h.coordinator.AdvanceAfterTranscribe(rc.Ctx, rootID, rc.Task.TaskID, segmentsKey)
}

// transcribeChunks implements §4.6 steps 2-4: split the audio into
// wall-clock chunks, run the ASR engine on each at concurrency 1, and
// concatenate the results, shifting each chunk's timestamps by its nominal
// offset. A segment that carries word timings is split into one segment
// per word. Chunk boundaries are not re-aligned; the engine's own voice
// activity detection handles the silence at a cut.
func (h *TranscribeHandler) transcribeChunks(ctx context.Context, rc *runtime.Context, localPath, workDir string) ([]subtitle.Segment, error) {
	chunkDir := filepath.Join(workDir, "chunks")
	chunkPaths, err := h.tools.ChunkAudio(ctx, localPath, chunkDir, chunkSeconds)
	if err != nil {
		return nil, err
	}

	var all []subtitle.Segment
	for i, chunkPath := range chunkPaths {
		chunkBytes, err := os.ReadFile(chunkPath)
		if err != nil {
			return nil, apierr.Storage("read_chunk_failed", err)
		}

		segs, err := h.asr.Transcribe(ctx, chunkBytes, "audio/mpeg", h.languageCode)
		if err != nil {
			return nil, err
		}

		offsetMS := i * chunkSeconds * 1000
		for _, s := range segs {
			shifted := subtitle.Segment{
				StartMS: s.StartMS + offsetMS,
				EndMS:   s.EndMS + offsetMS,
				Text:    s.Text,
			}
			shifted.Words = make([]subtitle.Word, 0, len(s.Words))
			for _, w := range s.Words {
				shifted.Words = append(shifted.Words, subtitle.Word{
					StartMS: w.StartMS + offsetMS,
					EndMS:   w.EndMS + offsetMS,
					Text:    w.Text,
				})
			}
			if len(shifted.Words) == 0 {
				all = append(all, shifted)
				continue
			}
			for _, w := range shifted.Words {
				all = append(all, subtitle.Segment{StartMS: w.StartMS, EndMS: w.EndMS, Text: w.Text, Words: []subtitle.Word{w}})
			}
		}

		pct := 5 + int(float64(i+1)/float64(len(chunkPaths))*75)
		_ = rc.Progress(pct, fmt.Sprintf("transcribed chunk %d/%d", i+1, len(chunkPaths)))
	}
	return all, nil
}

func (h *TranscribeHandler) terminal(rc *runtime.Context, stage string, err error) error {
	_ = rc.Fail(stage, err.Error())
	if rootID, rerr := RootTaskID(rc.Payload()); rerr == nil {
		_ = h.coordinator.PropagateFailure(rc.Ctx, rootID, stage, err.Error())
	}
	return err
}
