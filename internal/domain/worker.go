package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrWorkerNotFound = errors.New("worker not found")

// WorkerStatus is the single-character status code stored in
// quern_workers.status.
type WorkerStatus string

const (
	WorkerInitializing WorkerStatus = "i"
	WorkerRunning      WorkerStatus = "r"
	WorkerShuttingDown WorkerStatus = "s"
	WorkerCrashed      WorkerStatus = "c"
)

func (s WorkerStatus) String() string {
	switch s {
	case WorkerInitializing:
		return "initializing"
	case WorkerRunning:
		return "running"
	case WorkerShuttingDown:
		return "shutting_down"
	case WorkerCrashed:
		return "crashed"
	default:
		return string(s)
	}
}

func (s WorkerStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Worker is the persisted record of one worker process. Deleting the row
// releases its executing jobs back to pending via a database trigger, so a
// clean shutdown is a single DELETE.
type Worker struct {
	ID              string
	Hostname        string
	PID             int
	Info            map[string]any
	StartedAt       time.Time
	LastHeartbeatAt time.Time
	Status          WorkerStatus
}
