package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/logging"
	"github.com/example/epicflow/internal/storage"
)

// CompletionGate is consulted when every subtask of an execution succeeded,
// before the execution is marked completed.
type CompletionGate interface {
	Approve(ctx context.Context, view *ExecutionView) (*Decision, error)
}

// Decision is the outcome of a gate run.
type Decision struct {
	Approved  bool
	Rounds    int
	Approvals int
	Reviewers int
	Reasons   []string
}

// Summary renders the decision for the execution's error message.
func (d *Decision) Summary() string {
	s := fmt.Sprintf("%d/%d approvals after %d round(s)", d.Approvals, d.Reviewers, d.Rounds)
	if len(d.Reasons) > 0 {
		s += ": " + strings.Join(d.Reasons, "; ")
	}
	return s
}

// Review is one reviewer's verdict.
type Review struct {
	Approved bool
	Reason   string
}

// Reviewer judges a finished execution.
type Reviewer interface {
	Name() string
	Review(ctx context.Context, view *ExecutionView, round int) (*Review, error)
}

// QuorumGate asks every reviewer concurrently and approves once more than
// two thirds agree, asking again for up to MaxRounds rounds.
type QuorumGate struct {
	reviewers    []Reviewer
	minReviewers int
	maxRounds    int
	logger       *slog.Logger
}

// NewQuorumGate creates a gate over reviewers.
func NewQuorumGate(reviewers []Reviewer, minReviewers, maxRounds int, logger *slog.Logger) *QuorumGate {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	return &QuorumGate{
		reviewers:    reviewers,
		minReviewers: minReviewers,
		maxRounds:    maxRounds,
		logger:       logging.OrDiscard(logger).With("component", "quorum"),
	}
}

// Quorum returns the approvals needed out of n reviewers.
func Quorum(n int) int {
	return 2*n/3 + 1
}

// Approve implements CompletionGate.
func (q *QuorumGate) Approve(ctx context.Context, view *ExecutionView) (*Decision, error) {
	n := len(q.reviewers)
	if n == 0 || n < q.minReviewers {
		return nil, fmt.Errorf("%w: quorum needs at least %d reviewers, have %d",
			domain.ErrInvalidArgument, max(q.minReviewers, 1), n)
	}

	decision := &Decision{Reviewers: n}
	for round := 1; round <= q.maxRounds; round++ {
		reviews, err := q.collect(ctx, view, round)
		if err != nil {
			return nil, err
		}

		decision.Rounds = round
		decision.Approvals = 0
		decision.Reasons = nil
		for i, r := range reviews {
			if r.Approved {
				decision.Approvals++
				continue
			}
			if r.Reason != "" {
				decision.Reasons = append(decision.Reasons, q.reviewers[i].Name()+": "+r.Reason)
			}
		}
		q.logger.Info("review round finished",
			"execution_id", view.Execution.ID, "round", round,
			"approvals", decision.Approvals, "reviewers", n)

		if decision.Approvals >= Quorum(n) {
			decision.Approved = true
			return decision, nil
		}
	}
	return decision, nil
}

// collect runs one round. A reviewer error counts as a rejection.
func (q *QuorumGate) collect(ctx context.Context, view *ExecutionView, round int) ([]Review, error) {
	reviews := make([]Review, len(q.reviewers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, reviewer := range q.reviewers {
		i, reviewer := i, reviewer
		g.Go(func() error {
			r, err := reviewer.Review(gctx, view, round)
			if err != nil {
				q.logger.Warn("reviewer failed", "reviewer", reviewer.Name(), "round", round, "error", err)
				r = &Review{Reason: "review failed: " + err.Error()}
			}
			if r == nil {
				r = &Review{Reason: "no verdict"}
			}
			mu.Lock()
			reviews[i] = *r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reviews, nil
}

// runGate consults the completion gate outside the execution lock, then
// records the decision.
func (d *Dispatcher) runGate(ctx context.Context, execID string) {
	defer d.unmarkGating(execID)
	ctx, span := d.tracer.Start(ctx, "completion.gate")
	defer span.End()

	var view *ExecutionView
	err := d.read(ctx, func(uow storage.UnitOfWork) error {
		var err error
		view, err = loadExecutionView(ctx, uow, execID)
		return err
	})
	var decision *Decision
	if err == nil {
		gctx, cancel := withOptionalTimeout(ctx, d.config.GateTimeout)
		decision, err = d.gate.Approve(gctx, view)
		cancel()
	}
	if err != nil {
		span.RecordError(err)
	}

	_, perr := d.withExecution(ctx, execID, func(ctx context.Context, p *pass) error {
		if !p.exec.Status.IsRunning() || p.exec.CancelRequested() || !p.graph.AllTerminal() {
			return nil
		}
		switch {
		case err != nil:
			return p.finish(domain.ExecutionStatusFailed, "completion gate: "+err.Error())
		case decision.Approved:
			return p.finish(domain.ExecutionStatusCompleted, decision.Summary())
		default:
			return p.finish(domain.ExecutionStatusFailed, "completion gate rejected: "+decision.Summary())
		}
	})
	if perr != nil {
		d.logger.Error("failed to record gate decision", "execution_id", execID, "error", perr)
	}
}
