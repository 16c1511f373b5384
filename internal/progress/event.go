package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/nwelch/newsharvest/internal/harvest"
)

// Stage names the pipeline milestone an Event reports.
type Stage string

// Stages emitted during a harvest run.
const (
	StageSeed    Stage = "seed"
	StageClaim   Stage = "claim"
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StageBrowser Stage = "browser"
	StageOutcome Stage = "outcome"
)

// Event is one milestone in a harvest run. Only the fields meaningful for
// the stage are set; Validate enforces the per-stage minimum.
type Event struct {
	// RunID ties the event to one orchestrator run.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage names the milestone.
	Stage Stage
	// URL is the normalized article URL, set for per-URL stages.
	URL string
	// Source is the publisher label.
	Source string
	// Status is the terminal status, set on outcome events.
	Status harvest.Status
	// Extractor labels which extractor produced the article, if any.
	Extractor string
	// Attempt is the fetch attempt count.
	Attempt int
	// Bytes is the response size for fetch and browser stages.
	Bytes int64
	// Duration is the stage latency.
	Duration time.Duration
	// Note carries low-volume debug context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSeed, StageClaim:
	case StageFetch, StageExtract, StageBrowser:
		if e.URL == "" {
			return fmt.Errorf("%s event requires url", e.Stage)
		}
	case StageOutcome:
		if e.URL == "" {
			return errors.New("outcome event requires url")
		}
		if e.Status == "" {
			return errors.New("outcome event requires status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Attempt < 0 {
		return errors.New("attempt must be >= 0")
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
