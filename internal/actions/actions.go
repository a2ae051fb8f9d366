// Package actions implements the pull-mode action queue that remote agents
// poll. Actions are delivered at most once: a poll atomically moves every
// matching pending action to in_progress, so two agents polling the same
// host name can never both execute one.
package actions

import (
	"time"
)

// Status is the lifecycle state of an action.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Action kinds. Lifecycle kinds mirror the container actions a host client
// accepts; get_env and get_logs are read-back requests whose output comes
// back in the result.
const (
	KindStart   = "start"
	KindStop    = "stop"
	KindRestart = "restart"
	KindPause   = "pause"
	KindUnpause = "unpause"
	KindRemove  = "remove"
	KindGetEnv  = "get_env"
	KindGetLogs = "get_logs"
)

// ValidKind reports whether k is an action kind agents understand.
func ValidKind(k string) bool {
	switch k {
	case KindStart, KindStop, KindRestart, KindPause, KindUnpause, KindRemove, KindGetEnv, KindGetLogs:
		return true
	}
	return false
}

// LogsPayload parameterizes a get_logs action.
type LogsPayload struct {
	Tail int `json:"tail,omitempty"`
}

// Action is one queued unit of work for an agent.
type Action struct {
	ID          string       `json:"id"`
	Host        string       `json:"host"`
	ContainerID string       `json:"container_id"`
	Kind        string       `json:"kind"`
	Logs        *LogsPayload `json:"logs,omitempty"`

	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Done reports whether the action reached a terminal state.
func (a *Action) Done() bool {
	switch a.Status {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}
