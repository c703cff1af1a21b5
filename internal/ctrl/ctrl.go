// Package ctrl defines the JSON frames exchanged between the scheduler and
// its workers over the websocket control plane.
package ctrl

import (
	"encoding/json"
	"fmt"

	"github.com/askmesh/askmesh/internal/store"
)

// Type discriminates frames.
type Type string

// Worker to scheduler.
const (
	TypeExperts Type = "experts"
	TypeNeedJob Type = "need_job"
	TypeStarted Type = "started"
	TypeStopped Type = "stopped"
)

// Scheduler to worker.
const (
	TypeJob     Type = "job"
	TypeStop    Type = "stop"
	TypeRestart Type = "restart"
	TypeNoJob   Type = "no_job"
)

// Frame is the envelope on the wire.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// New wraps data in a frame.
func New(typ Type, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", typ, err)
	}
	return Frame{Type: typ, Data: raw}, nil
}

// Decode unpacks the frame payload into dst.
func (f Frame) Decode(dst any) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// ExpertsData is the worker's hello: everything it currently hosts.
type ExpertsData struct {
	WorkerID string   `json:"workerId"`
	Experts  []string `json:"experts"`
}

// NeedJobData asks for work.
type NeedJobData struct {
	WorkerID string `json:"workerId"`
}

// StartedData acknowledges a job.
type StartedData struct {
	WorkerID string `json:"workerId"`
	Expert   string `json:"expert"`
}

// StoppedData acknowledges a stop.
type StoppedData struct {
	WorkerID string `json:"workerId"`
	Expert   string `json:"expert"`
}

// JobData hands an expert to a worker, record and wallet included, so the
// worker never touches the store.
type JobData struct {
	ExpertPubkey string        `json:"expert_pubkey"`
	Expert       *store.Expert `json:"expert_object"`
	NWC          string        `json:"nwc_string"`
}

// StopData orders a teardown.
type StopData struct {
	Expert string `json:"expert"`
}

// RestartData orders a teardown followed by a start with a fresh record.
type RestartData struct {
	Expert string        `json:"expert"`
	Object *store.Expert `json:"expert_object"`
	NWC    string        `json:"nwc_string"`
}
