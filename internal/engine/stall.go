package engine

import "github.com/seantiz/runengine/internal/model"

// StallAction is what to do with an executing run whose worker stopped
// heartbeating.
type StallAction string

// Stall actions.
const (
	StallRequeue       StallAction = "requeue"
	StallCrash         StallAction = "crash"
	StallSystemFailure StallAction = "system_failure"
)

// StallInput describes a stalled run.
type StallInput struct {
	Status          model.Status
	AttemptNumber   int
	MaxAttempts     int
	EnvironmentType model.EnvironmentType
}

// StallPolicy chooses the action for a stalled executing run.
type StallPolicy interface {
	Decide(in StallInput) StallAction
}

// StallPolicyFunc adapts a function to StallPolicy.
type StallPolicyFunc func(in StallInput) StallAction

func (f StallPolicyFunc) Decide(in StallInput) StallAction { return f(in) }

// DefaultStallPolicy requeues while attempts remain. Out of attempts, a
// development run crashes (the developer's process went away) and a
// deployed run is a system failure.
var DefaultStallPolicy StallPolicy = StallPolicyFunc(func(in StallInput) StallAction {
	if in.AttemptNumber < in.MaxAttempts {
		return StallRequeue
	}
	if !in.EnvironmentType.IsDeployed() {
		return StallCrash
	}
	return StallSystemFailure
})
