package model

// EventStageUpdate is the only event type currently emitted.
const EventStageUpdate = "stage_update"

// Event is an ephemeral snapshot of a job's observable state, emitted on
// every mutation. Events are never persisted; the store's Get is the source
// of truth for current state.
type Event struct {
	Type     string `json:"type"`
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}
