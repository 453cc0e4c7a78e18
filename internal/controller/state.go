package controller

import "time"

// State is the lifecycle state machine. Exactly one state is active at a
// time and only the Controller mutates it.
type State int

const (
	Idle State = iota
	Provisioning
	Indexing
	Launching
	AwaitingReady
	Ready
	Terminating
	Stopped
	Failed
)

var stateNames = map[State]string{
	Idle:          "idle",
	Provisioning:  "provisioning",
	Indexing:      "indexing",
	Launching:     "launching",
	AwaitingReady: "awaiting_ready",
	Ready:         "ready",
	Terminating:   "terminating",
	Stopped:       "stopped",
	Failed:        "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalText makes snapshots JSON-friendly.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Snapshot is the read-only status surface exposed to the embedding
// application.
type Snapshot struct {
	State           State     `json:"state"`
	IndexingOutcome string    `json:"indexing_outcome"`
	IndexingReason  string    `json:"indexing_reason,omitempty"`
	ServerURL       string    `json:"server_url,omitempty"`
	PID             int       `json:"pid,omitempty"`
	ReadySince      time.Time `json:"ready_since,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
}
