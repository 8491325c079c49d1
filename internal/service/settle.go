package service

import (
	"strings"

	"github.com/example/epicflow/internal/domain"
)

// settle derives the execution status from its subtasks. It runs at the end
// of every pass, so paused executions settle the same way.
func (d *Dispatcher) settle(p *pass) error {
	exec := p.exec
	if !exec.Status.IsRunning() {
		return nil
	}

	if exec.CancelRequested() {
		if p.graph.InFlight() > 0 {
			return nil
		}
		return p.finish(domain.ExecutionStatusCancelled, "cancelled by request")
	}

	if !p.graph.AllTerminal() {
		return nil
	}

	var failed []string
	completed := 0
	for _, st := range p.graph.Subtasks() {
		switch st.Status {
		case domain.SubtaskStatusFailed:
			failed = append(failed, st.Label())
		case domain.SubtaskStatusCompleted:
			completed++
		}
	}
	switch {
	case len(failed) > 0:
		return p.finish(domain.ExecutionStatusFailed, "subtasks failed: "+strings.Join(failed, ", "))
	case completed == 0:
		return p.finish(domain.ExecutionStatusFailed, "no subtask completed")
	case d.gate != nil:
		p.gate = true
		return nil
	default:
		return p.finish(domain.ExecutionStatusCompleted, "")
	}
}
