package domain

// RunStatus is the lifecycle state of one assistant invocation.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunQueued    RunStatus = "queued"
	RunStreaming RunStatus = "streaming"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Run is ephemeral: it lives for one assistant invocation and is never
// persisted. On completion AccumulatedContent becomes a persisted Message.
type Run struct {
	ID                 string
	ThreadID           string
	AssistantID        string
	CallerID           string
	Status             RunStatus
	AccumulatedContent string
}
