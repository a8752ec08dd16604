package fsm

// State names
const (
	StateFetch    = "fetch"
	StateExtract  = "extract"
	StateDiff     = "diff"
	StateSync     = "sync"
	StateCommit   = "commit"
	StateComplete = "complete"
	StateFailed   = "failed"
)

// Outcome statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// FSM names registered with the manager, one per Kind.
const (
	machineExperiences = "deploy-experiences"
	machineControls    = "deploy-controls"
)
