package pipeline

import (
	"encoding/json"
	"strings"
)

// AgencyStatus of an entity record.
type AgencyStatus string

const (
	AgencySkeleton   AgencyStatus = "skeleton"
	AgencyExtracting AgencyStatus = "extracting"
	AgencyGenerating AgencyStatus = "generating"
	AgencyComplete   AgencyStatus = "complete"
	AgencyError      AgencyStatus = "error"
)

// Terminal reports whether the agency worker is done.
func (s AgencyStatus) Terminal() bool { return s == AgencyComplete || s == AgencyError }

// StepStatus of one generation step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepComplete   StepStatus = "complete"
	StepError      StepStatus = "error"
)

func (s StepStatus) valid() bool {
	switch s {
	case StepPending, StepInProgress, StepComplete, StepError:
		return true
	}
	return false
}

// Step is one stage of an agency worker.
type Step struct {
	ID     string     `json:"id"`
	Label  string     `json:"label"`
	Status StepStatus `json:"status"`
}

var stepTemplate = []Step{
	{ID: "details", Label: "Extracting details"},
	{ID: "branding", Label: "Capturing branding"},
	{ID: "generate", Label: "Generating page"},
	{ID: "publish", Label: "Publishing demo"},
}

// Agency is the entity record written by one agency worker.
type Agency struct {
	AgencyID      string       `json:"agencyId"`
	SessionID     string       `json:"sessionId"`
	Status        AgencyStatus `json:"status"`
	Name          *string      `json:"name"`
	Website       *string      `json:"website"`
	Phone         *string      `json:"phone"`
	Email         *string      `json:"email"`
	Address       *string      `json:"address"`
	Suburb        *string      `json:"suburb"`
	LogoURL       *string      `json:"logoUrl"`
	PrimaryColor  *string      `json:"primaryColor"`
	PrincipalName *string      `json:"principalName"`
	ListingCount  *int         `json:"listingCount"`
	Steps         []Step       `json:"steps"`
	HTMLProgress  int          `json:"htmlProgress"`
	DemoURL       *string      `json:"demoUrl"`
	Error         string       `json:"error,omitempty"`
}

// UnmarshalJSON accepts every historical steps layout and produces the
// canonical four-step list:
//   - [{id,label,status}, ...]
//   - ["details", "branding"]: ids or labels of finished steps
//   - {"details": "complete", ...}
//   - absent or null: derived from the agency status
func (a *Agency) UnmarshalJSON(data []byte) error {
	type plain Agency
	var aux struct {
		plain
		Steps json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Agency(aux.plain)
	a.Steps = normalizeSteps(aux.Steps, a.Status)
	if a.HTMLProgress < 0 {
		a.HTMLProgress = 0
	}
	if a.HTMLProgress > 100 {
		a.HTMLProgress = 100
	}
	return nil
}

func normalizeSteps(raw json.RawMessage, status AgencyStatus) []Step {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return derivedSteps(status)
	}

	var objects []Step
	if err := json.Unmarshal(raw, &objects); err == nil {
		return fromObjects(objects, status)
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil {
		done := make(map[string]bool, len(names))
		for _, n := range names {
			done[strings.ToLower(strings.TrimSpace(n))] = true
		}
		steps := templateSteps()
		for i := range steps {
			if done[steps[i].ID] || done[strings.ToLower(steps[i].Label)] {
				steps[i].Status = StepComplete
			}
		}
		return steps
	}
	var byID map[string]StepStatus
	if err := json.Unmarshal(raw, &byID); err == nil {
		steps := templateSteps()
		for i := range steps {
			if s, ok := byID[steps[i].ID]; ok && s.valid() {
				steps[i].Status = s
			}
		}
		return steps
	}
	return derivedSteps(status)
}

func fromObjects(objects []Step, status AgencyStatus) []Step {
	if len(objects) == 0 {
		return derivedSteps(status)
	}
	labels := make(map[string]string, len(stepTemplate))
	for _, s := range stepTemplate {
		labels[s.ID] = s.Label
	}
	out := make([]Step, 0, len(objects))
	for _, s := range objects {
		if s.ID == "" {
			continue
		}
		if s.Label == "" {
			s.Label = labels[s.ID]
		}
		if !s.valid() {
			s.Status = StepPending
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return derivedSteps(status)
	}
	return out
}

func (s Step) valid() bool { return s.Status.valid() }

func templateSteps() []Step {
	steps := make([]Step, len(stepTemplate))
	copy(steps, stepTemplate)
	for i := range steps {
		steps[i].Status = StepPending
	}
	return steps
}

// derivedSteps infers step progress from the coarse agency status.
func derivedSteps(status AgencyStatus) []Step {
	steps := templateSteps()
	mark := func(n int, s StepStatus) {
		for i := 0; i < n && i < len(steps); i++ {
			steps[i].Status = StepComplete
		}
		if n < len(steps) {
			steps[n].Status = s
		}
	}
	switch status {
	case AgencyExtracting:
		mark(0, StepInProgress)
	case AgencyGenerating:
		mark(2, StepInProgress)
	case AgencyComplete:
		mark(len(steps), StepComplete)
	case AgencyError:
		mark(0, StepError)
	}
	return steps
}

// completeAllSteps marks every step complete.
func completeAllSteps(steps []Step) []Step {
	if len(steps) == 0 {
		steps = templateSteps()
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Status = StepComplete
		out[i] = s
	}
	return out
}
