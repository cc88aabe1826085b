// Package progress folds classified stream actions into the aggregate view a
// UI renders: a global discovery phase plus one ordered step row per entity.
package progress

import (
	"runlog/pkg/classifier"
	"runlog/pkg/pipeline"
)

// Phase is the coarse status of the initial discovery scan.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseLoading   Phase = "loading"
	PhaseCompleted Phase = "completed"
)

// StepStatus is the state of one pipeline step for one entity.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepLoading   StepStatus = "loading"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Row tracks one discovered entity through the step pipeline.
type Row struct {
	Entity string
	Steps  map[string]StepStatus
}

// State is the reduced progress view. Apply is the only mutation path; rows
// are never removed within a session.
type State struct {
	phase       Phase
	rows        []Row
	rowIndex    map[string]int
	receivedAny bool
}

func NewState() *State {
	return &State{
		phase:    PhaseIdle,
		rowIndex: make(map[string]int),
	}
}

// Apply folds one classified action into the state. Step updates for entities
// that were never discovered are dropped; discovery is the only way a row
// comes into existence.
func (s *State) Apply(action classifier.Action) {
	s.receivedAny = true

	switch action.Kind {
	case classifier.ActionPhaseLoading:
		if s.phase == PhaseIdle {
			s.phase = PhaseLoading
		}
	case classifier.ActionEntityDiscovered:
		s.phase = PhaseCompleted

		if _, ok := s.rowIndex[action.Entity]; ok {
			return
		}

		steps := make(map[string]StepStatus, len(pipeline.StepIDs()))
		for _, id := range pipeline.StepIDs() {
			steps[id] = StepLoading
		}

		s.rowIndex[action.Entity] = len(s.rows)
		s.rows = append(s.rows, Row{Entity: action.Entity, Steps: steps})
	case classifier.ActionStepUpdate:
		idx, ok := s.rowIndex[action.Entity]
		if !ok {
			return
		}

		if action.Success {
			s.rows[idx].Steps[action.StepID] = StepCompleted
		} else {
			s.rows[idx].Steps[action.StepID] = StepFailed
		}
	case classifier.ActionLogLine:
		// Log lines live in the orchestrator's buffer, not here.
	}
}

func (s *State) Phase() Phase {
	return s.phase
}

// HasReceivedAnyEvent reports whether any action reached the reducer; a UI
// uses it to tell "nothing happened yet" from "zero entities matched".
func (s *State) HasReceivedAnyEvent() bool {
	return s.receivedAny
}

// Rows returns the entity rows in discovery order. The returned rows are
// copies; mutating them does not affect the state.
func (s *State) Rows() []Row {
	out := make([]Row, len(s.rows))

	for i, row := range s.rows {
		steps := make(map[string]StepStatus, len(row.Steps))
		for k, v := range row.Steps {
			steps[k] = v
		}

		out[i] = Row{Entity: row.Entity, Steps: steps}
	}

	return out
}

// Row returns the row for an entity, if one was discovered.
func (s *State) Row(entity string) (Row, bool) {
	idx, ok := s.rowIndex[entity]
	if !ok {
		return Row{}, false
	}

	row := s.rows[idx]
	steps := make(map[string]StepStatus, len(row.Steps))

	for k, v := range row.Steps {
		steps[k] = v
	}

	return Row{Entity: row.Entity, Steps: steps}, true
}
