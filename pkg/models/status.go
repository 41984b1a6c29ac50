package models

import "fmt"

// RunState is the lifecycle state of a test controller.
type RunState int

const (
	Configuring    RunState = 0
	AddingServers  RunState = 1
	ServerSelected RunState = 2
	Running        RunState = 3
	Done           RunState = 4
)

func (s RunState) String() string {
	switch s {
	case Configuring:
		return "configuring"
	case AddingServers:
		return "adding-servers"
	case ServerSelected:
		return "server-selected"
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

// Phase is the stage of a test run as reported by the execution unit.
type Phase int

const (
	NotStarted Phase = -1
	Starting   Phase = 0
	Download   Phase = 1
	PingJitter Phase = 2
	Upload     Phase = 3
	Finished   Phase = 4
	Aborted    Phase = 5
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case Download:
		return "download"
	case PingJitter:
		return "ping-jitter"
	case Upload:
		return "upload"
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no further snapshots follow this phase.
func (p Phase) Terminal() bool {
	return p == Finished || p == Aborted
}

// StatusSnapshot is one status reply of the execution unit. Speeds are in
// Mbit/s, ping and jitter in milliseconds, progress fractions in [0,1].
type StatusSnapshot struct {
	TestState    Phase   `json:"testState"`
	DlStatus     float64 `json:"dlStatus"`
	UlStatus     float64 `json:"ulStatus"`
	PingStatus   float64 `json:"pingStatus"`
	JitterStatus float64 `json:"jitterStatus"`
	ClientIP     string  `json:"clientIp"`
	ClientASN    string  `json:"clientAsn,omitempty"`
	ClientOrg    string  `json:"clientOrg,omitempty"`
	DlProgress   float64 `json:"dlProgress"`
	UlProgress   float64 `json:"ulProgress"`
	PingProgress float64 `json:"pingProgress"`
	TestID       string  `json:"testId,omitempty"`
}
