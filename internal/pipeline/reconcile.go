package pipeline

import (
	"fmt"

	"github.com/clipcaption/pipeline/internal/domain/tasks"
)

// Phase is the human-facing stage name reported in a Reconciled view.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseDownload   Phase = "downloading"
	PhaseTranscribe Phase = "transcribing"
	PhaseEnrich     Phase = "enriching"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

var phaseMessage = map[Phase]string{
	PhasePending:    "Pending",
	PhaseDownload:   "Downloading",
	PhaseTranscribe: "Transcribing",
	PhaseEnrich:     "Processing subtitles",
	PhaseCompleted:  "Completed",
	PhaseCancelled:  "Cancelled",
}

// Reconciled is the (status, progress, message) view the Status endpoint
// and the SSE stream both render — computed fresh from the task graph on
// every read, never itself persisted.
type Reconciled struct {
	Status   tasks.Status `json:"status"`
	Phase    Phase        `json:"phase"`
	Progress int          `json:"progress"`
	Message  string       `json:"message"`
	Error    string       `json:"error,omitempty"`
}

// Children is the root's direct children keyed by the edge kind that binds
// them, as returned by the Task Store's Children reverse lookup. A stage
// whose child hasn't been created yet is absent.
type Children struct {
	Download   *tasks.Task
	Transcribe *tasks.Task
	Enrich     *tasks.Task
}

// Reconcile folds root + its children into one view, per §4.9's percent
// bands: Download maps its child's 0..100 progress onto the root's 0..30%,
// Transcribe onto 30..70%, Enrich onto 70..100%. It is pure: no field of
// root or its children is ever written here.
func Reconcile(root *tasks.Task, children Children) Reconciled {
	if root == nil {
		return Reconciled{Status: tasks.StatusPending, Phase: PhasePending, Progress: 0, Message: phaseMessage[PhasePending]}
	}

	if root.Status == tasks.StatusFailed {
		return Reconciled{
			Status:   tasks.StatusFailed,
			Phase:    PhaseFailed,
			Progress: root.Progress,
			Message:  root.Message,
			Error:    root.Error,
		}
	}
	if root.Status == tasks.StatusCancelled {
		return Reconciled{Status: tasks.StatusCancelled, Phase: PhaseCancelled, Progress: root.Progress, Message: phaseMessage[PhaseCancelled]}
	}
	if root.Status == tasks.StatusCompleted {
		return Reconciled{Status: tasks.StatusCompleted, Phase: PhaseCompleted, Progress: 100, Message: phaseMessage[PhaseCompleted]}
	}

	// Root is Pending or Running: find the deepest child that exists and
	// report failure from it, or band its progress into the root's range.
	if t := children.Enrich; t != nil {
		if t.Status == tasks.StatusFailed {
			return failedChild(PhaseEnrich, t)
		}
		return Reconciled{Status: tasks.StatusRunning, Phase: PhaseEnrich, Progress: band(t.Progress, 0.30, 70), Message: phaseMessage[PhaseEnrich]}
	}
	if t := children.Transcribe; t != nil {
		if t.Status == tasks.StatusFailed {
			return failedChild(PhaseTranscribe, t)
		}
		return Reconciled{Status: tasks.StatusRunning, Phase: PhaseTranscribe, Progress: band(t.Progress, 0.40, 30), Message: phaseMessage[PhaseTranscribe]}
	}
	if t := children.Download; t != nil {
		if t.Status == tasks.StatusFailed {
			return failedChild(PhaseDownload, t)
		}
		return Reconciled{Status: tasks.StatusRunning, Phase: PhaseDownload, Progress: band(t.Progress, 0.30, 0), Message: phaseMessage[PhaseDownload]}
	}

	return Reconciled{Status: root.Status, Phase: PhasePending, Progress: 0, Message: phaseMessage[PhasePending]}
}

func failedChild(phase Phase, child *tasks.Task) Reconciled {
	errMsg := child.Error
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return Reconciled{
		Status:   tasks.StatusFailed,
		Phase:    phase,
		Progress: child.Progress,
		Message:  fmt.Sprintf("%s failed: %s", phaseMessage[phase], errMsg),
		Error:    errMsg,
	}
}

func band(childProgress int, scale float64, offset int) int {
	if childProgress < 0 {
		childProgress = 0
	}
	if childProgress > 100 {
		childProgress = 100
	}
	v := int(float64(childProgress)*scale) + offset
	if v > 100 {
		v = 100
	}
	if v < 0 {
		v = 0
	}
	return v
}
