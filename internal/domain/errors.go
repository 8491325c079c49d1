package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a state transition is not allowed.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrConcurrentModify is returned when optimistic locking fails.
	ErrConcurrentModify = errors.New("concurrent modification")

	// ErrInvalidDependency is returned when a dependency is malformed.
	ErrInvalidDependency = errors.New("invalid dependency")

	// ErrCyclicDependency is returned when a dependency cycle is detected.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrInvalidArgument is returned when an argument is invalid.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists is returned when trying to create a duplicate entity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPlanInvalid is returned when a plan has a dangling reference or a cycle.
	ErrPlanInvalid = errors.New("plan invalid")

	// ErrPlanEmpty is returned when a plan has no subtasks.
	ErrPlanEmpty = errors.New("plan has no subtasks")

	// ErrNoEligibleWorker means a ready subtask cannot be assigned right now.
	ErrNoEligibleWorker = errors.New("no eligible worker")

	// ErrWorkerStartFailed is recorded when the worker start call fails.
	ErrWorkerStartFailed = errors.New("worker start failed")

	// ErrWorkerExecutionFailed is recorded when a worker reports failure.
	ErrWorkerExecutionFailed = errors.New("worker execution failed")

	// ErrTimeout is recorded when a subtask shows no progress in time.
	ErrTimeout = errors.New("subtask timed out")

	// ErrStaleAttempt is returned for callbacks carrying an old attempt token.
	ErrStaleAttempt = errors.New("stale attempt token")
)

// Edge is a directed dependency edge: From depends on To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (e Edge) String() string {
	return e.From + " -> " + e.To
}

// PlanError describes why a plan or dependency set was rejected.
// Exactly one of Ref or Edge is set for reference and cycle problems.
type PlanError struct {
	Reason string
	Node   string
	Ref    string
	Edge   *Edge
	kind   error
}

// NewDanglingRefError reports a dependency naming an unknown node.
func NewDanglingRefError(node, ref string) *PlanError {
	return &PlanError{
		Reason: "unknown dependency",
		Node:   node,
		Ref:    ref,
		kind:   ErrInvalidDependency,
	}
}

// NewCycleError reports one edge that participates in a cycle.
func NewCycleError(from, to string) *PlanError {
	return &PlanError{
		Reason: "dependency cycle",
		Node:   from,
		Edge:   &Edge{From: from, To: to},
		kind:   ErrCyclicDependency,
	}
}

// NewMalformedPlanError reports a structural problem with one node.
func NewMalformedPlanError(node, reason string) *PlanError {
	return &PlanError{
		Reason: reason,
		Node:   node,
		kind:   ErrInvalidDependency,
	}
}

func (e *PlanError) Error() string {
	switch {
	case e.Edge != nil:
		return fmt.Sprintf("%s: %s (edge %s)", ErrPlanInvalid, e.Reason, e.Edge)
	case e.Ref != "":
		return fmt.Sprintf("%s: %s %q referenced by %q", ErrPlanInvalid, e.Reason, e.Ref, e.Node)
	case e.Node != "":
		return fmt.Sprintf("%s: %s (%q)", ErrPlanInvalid, e.Reason, e.Node)
	default:
		return fmt.Sprintf("%s: %s", ErrPlanInvalid, e.Reason)
	}
}

// Unwrap lets errors.Is match both ErrPlanInvalid and the narrower kind.
func (e *PlanError) Unwrap() []error {
	if e.kind == nil {
		return []error{ErrPlanInvalid}
	}
	return []error{ErrPlanInvalid, e.kind}
}
