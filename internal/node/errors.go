package node

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoOutput is returned by SendData when the node has nothing to forward.
var ErrNoOutput = errors.New("node: no output to send")

// ErrNoDispatcher is returned by SendData when no downstream delivery
// callback was installed at construction.
var ErrNoDispatcher = errors.New("node: no downstream dispatcher configured")

// ErrPipelineLocked is returned when processors are appended to a node that
// is no longer in PENDING or PAUSED.
var ErrPipelineLocked = errors.New("node: pipeline may only change while pending or paused")

// TransitionError reports an illegal status change.
type TransitionError struct {
	NodeID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("node %s: invalid transition %s -> %s", e.NodeID, e.From, e.To)
}

// ProcessingError reports a processor failure during Execute. StageIndex is
// the zero-based position of the failed processor in the pipeline.
type ProcessingError struct {
	NodeID     string
	StageIndex int
	Cause      error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("node %s: processor %d failed: %v", e.NodeID, e.StageIndex, e.Cause)
}

// Unwrap exposes the underlying processor error.
func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// DependencyError reports an Execute attempt while dependencies are unmet.
type DependencyError struct {
	NodeID string
	Unmet  []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("node %s: dependencies not met: %s", e.NodeID, strings.Join(e.Unmet, ", "))
}
