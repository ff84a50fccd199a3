package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	domain "github.com/clipcaption/pipeline/internal/domain/tasks"
	"github.com/clipcaption/pipeline/internal/jobs/runtime"
	"github.com/clipcaption/pipeline/internal/platform/apierr"
	"github.com/clipcaption/pipeline/internal/platform/gcp"
	"github.com/clipcaption/pipeline/internal/platform/logger"
	"github.com/clipcaption/pipeline/internal/platform/mediatools"
)

var knownAudioExtensions = []string{".mp3", ".wav", ".flac", ".m4a", ".ogg"}

// DownloadHandler runs the Download stage (§4.5): URL -> audio blob. It
// reports its own progress via runtime.Context.Progress and chains to
// Transcribe itself on success, per the Coordinator's push-based model.
type DownloadHandler struct {
	log         *logger.Logger
	tools       mediatools.Tools
	blobs       gcp.BlobStore
	coordinator *Coordinator
	workRoot    string
}

func NewDownloadHandler(log *logger.Logger, tools mediatools.Tools, blobs gcp.BlobStore, coordinator *Coordinator) *DownloadHandler {
	return &DownloadHandler{
		log:         log.With("service", "pipeline.DownloadHandler"),
		tools:       tools,
		blobs:       blobs,
		coordinator: coordinator,
		workRoot:    filepath.Join(os.TempDir(), "clipcaption-jobs"),
	}
}

func (h *DownloadHandler) Type() string { return string(domain.WorkUnitDownload) }

func (h *DownloadHandler) Run(rc *runtime.Context) error {
	sourceURL := rc.PayloadString("url")
	if sourceURL == "" {
		return h.terminal(rc, "download", apierr.Input("missing_source_url", fmt.Errorf("work unit payload has no url")))
	}
	rootID, err := RootTaskID(rc.Payload())
	if err != nil {
		return h.terminal(rc, "download", err)
	}

	if err := rc.Progress(5, "starting download"); err != nil {
		return err
	}

	sanitized := SanitizeTitle(titleFromURL(sourceURL))
	workDir := filepath.Join(h.workRoot, sanitized)

	localPath, short := findExistingAudio(workDir, sanitized)
	if !short {
		fetched, err := h.tools.FetchURL(rc.Ctx, sourceURL, workDir)
		if err != nil {
			if apierr.Transient(err) {
				return err
			}
			return h.terminal(rc, "download", err)
		}
		_ = rc.Progress(55, "downloaded source media")

		mp3Path := filepath.Join(workDir, "audio.mp3")
		transcoded, err := h.tools.TranscodeToMP3(rc.Ctx, fetched, mp3Path)
		if err != nil {
			if apierr.Transient(err) {
				return err
			}
			return h.terminal(rc, "transcode", err)
		}
		localPath = transcoded
		_ = rc.Progress(80, "transcoded audio")
	} else {
		_ = rc.Progress(80, "found existing audio artifact")
	}

	blobKey := sanitized + "/audio.mp3"
	f, err := os.Open(localPath)
	if err != nil {
		return h.terminal(rc, "download", apierr.Storage("open_transcoded_failed", err))
	}
	defer f.Close()

	if err := h.blobs.Put(rc.Ctx, blobKey, f, "audio/mpeg"); err != nil {
		if apierr.Transient(err) {
			return err
		}
		return h.terminal(rc, "download", err)
	}
	_ = rc.Progress(95, "uploaded audio")

	if err := rc.Succeed("download complete", blobKey); err != nil {
		return err
	}
	return h.coordinator.AdvanceAfterDownload(rc.Ctx, rootID, rc.Task.TaskID, blobKey)
}

// terminal records the handler's own Failed transition and propagates it to
// the root before returning the same error to the dispatcher, which closes
// out the work unit without retrying a non-transient failure.
func (h *DownloadHandler) terminal(rc *runtime.Context, stage string, err error) error {
	_ = rc.Fail(stage, err.Error())
	if rootID, rerr := RootTaskID(rc.Payload()); rerr == nil {
		_ = h.coordinator.PropagateFailure(rc.Ctx, rootID, stage, err.Error())
	}
	return err
}

func titleFromURL(rawURL string) string {
	trimmed := strings.TrimRight(rawURL, "/")
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	base := filepath.Base(trimmed)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == "/" {
		return "untitled"
	}
	return base
}

// findExistingAudio probes workDir for a pre-existing audio artifact whose
// name matches sanitizedTitle exactly or as a substring (§4.5 step 2).
func findExistingAudio(workDir, sanitizedTitle string) (string, bool) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		matchesExt := false
		for _, known := range knownAudioExtensions {
			if ext == known {
				matchesExt = true
				break
			}
		}
		if !matchesExt {
			continue
		}
		base := strings.TrimSuffix(name, ext)
		if base == sanitizedTitle || strings.Contains(base, sanitizedTitle) {
			return filepath.Join(workDir, name), true
		}
	}
	return "", false
}
