package models

import "fmt"

// Step identifies how far an execution attempt progressed.
type Step int

const (
	// StepGate covers checks made before the pipeline starts (enabled flag, direction, platform).
	StepGate Step = iota
	StepValidate
	StepResolveExpiration
	StepFetchChain
	StepVerifyStrike
	StepSizePosition
	StepFillOrder
	StepTakeProfit
)

// MaxStep is the last pipeline step.
const MaxStep = StepTakeProfit

func (s Step) String() string {
	switch s {
	case StepGate:
		return "gate"
	case StepValidate:
		return "validate"
	case StepResolveExpiration:
		return "resolve_expiration"
	case StepFetchChain:
		return "fetch_chain"
	case StepVerifyStrike:
		return "verify_strike"
	case StepSizePosition:
		return "size_position"
	case StepFillOrder:
		return "fill_order"
	case StepTakeProfit:
		return "take_profit"
	default:
		return fmt.Sprintf("step_%d", int(s))
	}
}

// AttemptStatus is the lifecycle status of an ExecutionAttempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
)

// StateTransition defines a legal status change.
type StateTransition struct {
	From        AttemptStatus
	To          AttemptStatus
	Description string
}

// ValidTransitions lists every legal status change. Terminal statuses have no exits.
var ValidTransitions = []StateTransition{
	{AttemptInProgress, AttemptSuccess, "Order filled"},
	{AttemptInProgress, AttemptFailed, "Pipeline stopped with an error"},
}

// StateMachine tracks the status and step of one attempt. A completed
// attempt cannot change again and the step never moves backwards.
type StateMachine struct {
	current AttemptStatus
	step    Step
}

// NewStateMachine creates a state machine in progress at the gate step.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		current: AttemptInProgress,
		step:    StepGate,
	}
}

// Status returns the current status.
func (sm *StateMachine) Status() AttemptStatus { return sm.current }

// Step returns the furthest step reached.
func (sm *StateMachine) Step() Step { return sm.step }

// IsTerminal reports whether the attempt has completed.
func (sm *StateMachine) IsTerminal() bool {
	return sm.current != AttemptInProgress
}

// Advance moves the step forward. Moving backwards is an error; staying put is allowed.
func (sm *StateMachine) Advance(to Step) error {
	if sm.IsTerminal() {
		return fmt.Errorf("attempt already %s", sm.current)
	}
	if to < StepGate || to > MaxStep {
		return fmt.Errorf("step %d out of range", int(to))
	}
	if to < sm.step {
		return fmt.Errorf("step cannot move backwards from %s to %s", sm.step, to)
	}
	sm.step = to
	return nil
}

// IsValidTransition checks a status change against ValidTransitions.
func (sm *StateMachine) IsValidTransition(to AttemptStatus) error {
	for _, t := range ValidTransitions {
		if t.From == sm.current && t.To == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", sm.current, to)
}

// Transition changes the status.
func (sm *StateMachine) Transition(to AttemptStatus) error {
	if err := sm.IsValidTransition(to); err != nil {
		return err
	}
	sm.current = to
	return nil
}
