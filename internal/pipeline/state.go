package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"wfbase/wfetl/internal/interchange"
	"wfbase/wfetl/internal/normalize"
)

// State is a pipeline lifecycle state
type State string

const (
	StateIdle         State = "idle"
	StateExtracting   State = "extracting"
	StateTransforming State = "transforming"
	StateLoading      State = "loading"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions lists legal moves. A single-stage run goes straight from idle
// to its stage and from there to done.
var transitions = map[State][]State{
	StateIdle:         {StateExtracting, StateTransforming, StateLoading},
	StateExtracting:   {StateTransforming, StateDone, StateFailed},
	StateTransforming: {StateLoading, StateDone, StateFailed},
	StateLoading:      {StateDone, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RunState is the persisted record of the most recent run, rewritten on
// every transition.
type RunState struct {
	RunID     string                 `json:"run_id"`
	Command   string                 `json:"command"`
	State     State                  `json:"state"`
	Error     string                 `json:"error,omitempty"`
	Counts    map[string]StageCounts `json:"counts"`
	StartedAt string                 `json:"started_at"`
	UpdatedAt string                 `json:"updated_at"`
	EndedAt   string                 `json:"ended_at,omitempty"`
	History   []Transition           `json:"history"`
	path      string                 // filesystem path (not serialized)
}

// StageCounts holds per-category record counts
type StageCounts struct {
	Raw        int `json:"raw"`
	Normalized int `json:"normalized"`
	Dropped    int `json:"dropped"`
	Statements int `json:"statements"`
}

// Transition is one entry of the state history
type Transition struct {
	From State  `json:"from"`
	To   State  `json:"to"`
	At   string `json:"at"`
}

func newRunState(path, runID, command string) *RunState {
	now := time.Now().UTC().Format(time.RFC3339)
	return &RunState{
		RunID:     runID,
		Command:   command,
		State:     StateIdle,
		Counts:    make(map[string]StageCounts),
		StartedAt: now,
		UpdatedAt: now,
		path:      path,
	}
}

// LoadRunState reads the state file written by the last run.
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading run state: %w", err)
	}
	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing run state %s: %w", path, err)
	}
	state.path = path
	if state.Counts == nil {
		state.Counts = make(map[string]StageCounts)
	}
	return &state, nil
}

func (s *RunState) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing run state: %w", err)
	}
	// readers such as status never see a half-written file
	err = interchange.WriteFile(s.path, func(w io.Writer) error {
		_, err := w.Write(append(data, '\n'))
		return err
	})
	if err != nil {
		return fmt.Errorf("writing run state: %w", err)
	}
	return nil
}

func (s *RunState) record(from, to State, cause error) {
	now := time.Now().UTC().Format(time.RFC3339)
	s.State = to
	s.UpdatedAt = now
	s.History = append(s.History, Transition{From: from, To: to, At: now})
	if cause != nil {
		s.Error = cause.Error()
	}
	if to.Terminal() {
		s.EndedAt = now
	}
}

func (s *RunState) update(c normalize.Category, fn func(*StageCounts)) {
	counts := s.Counts[string(c)]
	fn(&counts)
	s.Counts[string(c)] = counts
}

// Duration returns how long the run took, or has been running
func (s *RunState) Duration() time.Duration {
	start, err := time.Parse(time.RFC3339, s.StartedAt)
	if err != nil {
		return 0
	}
	end := time.Now()
	if s.EndedAt != "" {
		if t, err := time.Parse(time.RFC3339, s.EndedAt); err == nil {
			end = t
		}
	}
	return end.Sub(start)
}
