// ABOUTME: Bubble Tea message types used by the run watcher loop.
// ABOUTME: Snapshots carry polled run state; action results report pause/resume outcomes.
package tui

import (
	"time"

	"github.com/2389-research/repolens/pipeline"
)

// SnapshotMsg carries one poll of a run's durable record and live status.
type SnapshotMsg struct {
	Run    *pipeline.Run
	Status pipeline.StatusView
	Err    error
}

// TickMsg schedules the next poll.
type TickMsg struct {
	Time time.Time
}

// ActionResultMsg reports the outcome of a pause or resume request.
type ActionResultMsg struct {
	Action string
	Err    error
}
