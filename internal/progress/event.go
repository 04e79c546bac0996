package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageRunStart          Stage = "RUN_START"
	StageRunDone           Stage = "RUN_DONE"
	StageRequestStarted    Stage = "REQUEST_STARTED"
	StageRequestSkipped    Stage = "REQUEST_SKIPPED"
	StageRequestDisallowed Stage = "REQUEST_DISALLOWED"
	StageRequestFinished   Stage = "REQUEST_FINISHED"
	StageRequestRetried    Stage = "REQUEST_RETRIED"
	StageRequestFailed     Stage = "REQUEST_FAILED"
	StageRobotsFailed      Stage = "ROBOTS_FAILED"
	StageSitemapFailed     Stage = "SITEMAP_FAILED"
	StageMaxDepth          Stage = "MAX_DEPTH"
	StageMaxRequest        Stage = "MAX_REQUEST"
	StageDisconnected      Stage = "DISCONNECTED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for finished requests.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures one milestone of a crawl run.
type Event struct {
	// RunID identifies the crawl run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	Stage Stage
	// Site scopes request events to a host label.
	Site string
	// URL should not contain credentials.
	URL   string
	Depth int
	// StatusClass is set for REQUEST_FINISHED.
	StatusClass StatusClass
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageMaxRequest, StageDisconnected:
	case StageRequestStarted, StageRequestSkipped, StageRequestDisallowed,
		StageRequestRetried, StageRequestFailed, StageRobotsFailed,
		StageSitemapFailed, StageMaxDepth:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageRequestFinished:
		if e.Site == "" {
			return errors.New("request finished requires site")
		}
		if e.StatusClass == "" {
			return errors.New("request finished requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Depth < 0 {
		return errors.New("depth must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
