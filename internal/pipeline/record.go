// Package pipeline holds the orchestration record of a discovery run, the
// per-agency entity records it fans out to, and the routines that drive a run
// to a terminal state when its agent does not.
package pipeline

import "time"

// Status of a pipeline run.
type Status string

const (
	StatusSearching  Status = "searching"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// TodoStatus of a checklist item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoComplete   TodoStatus = "complete"
)

// Todo is one item of the run checklist shown to the user.
type Todo struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Status TodoStatus `json:"status"`
}

// Record is the pipeline document.
type Record struct {
	SessionID      string     `json:"sessionId"`
	Suburb         string     `json:"suburb"`
	RequestedCount int        `json:"requestedCount"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt"`
	Todos          []Todo     `json:"todos"`
	AgencyIDs      []string   `json:"agencyIds"`
	Error          string     `json:"error,omitempty"`
}

// DefaultTodos is the checklist a new run starts with.
func DefaultTodos() []Todo {
	return []Todo{
		{ID: "search", Text: "Search for agencies", Status: TodoInProgress},
		{ID: "identify", Text: "Identify agencies", Status: TodoPending},
		{ID: "extract", Text: "Extract agency details", Status: TodoPending},
		{ID: "generate", Text: "Generate demo pages", Status: TodoPending},
	}
}

// mergeIDs returns stored followed by the ids of incoming not already present.
func mergeIDs(stored, incoming []string) []string {
	seen := make(map[string]bool, len(stored)+len(incoming))
	out := make([]string, 0, len(stored)+len(incoming))
	for _, list := range [][]string{stored, incoming} {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
