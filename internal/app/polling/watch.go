package polling

import (
	"fmt"
	"time"

	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

// watch is the per-run classification state. It is owned by the run goroutine
// and holds no locks; the poller applies its decisions.
type watch struct {
	cfg        Config
	jobID      tasks.JobID
	deadlineAt time.Time
	policy     *retryPolicy

	attempts        int
	notFound        int
	lastProgress    int
	lastMessage     string
	progressChanged bool
}

// observe classifies one fetch result and decides what happens next.
func (w *watch) observe(rec *tasks.StatusRecord, err error, now time.Time) outcome {
	w.attempts++
	w.progressChanged = false

	if err != nil {
		return w.observeError(err, now)
	}

	if rec == nil || rec.Status == tasks.StatusNotFound {
		w.notFound++
		if w.notFound > w.cfg.NotFoundGrace {
			return outcome{
				terminal: StateFailed,
				failure: &Failure{
					Kind:    FailureLost,
					JobID:   w.jobID,
					Message: fmt.Sprintf("task not found after %d consecutive checks", w.notFound),
					Err:     tasks.ErrTaskLost,
				},
			}
		}
		return w.continueOrCap(w.cfg.PollInterval)
	}

	w.notFound = 0
	w.policy.reset()

	switch rec.Status {
	case tasks.StatusCompleted:
		res := rec.Result
		if res == nil {
			res = &tasks.Result{}
		}
		return outcome{terminal: StateCompleted, result: res}

	case tasks.StatusFailed:
		f := &Failure{Kind: FailureTerminal, JobID: w.jobID, Err: tasks.ErrJobFailed}
		if rec.Error != nil {
			f.Message, f.Code = rec.Error.Message, rec.Error.Code
		}
		if f.Message == "" {
			f.Message = rec.Message
		}
		return outcome{terminal: StateFailed, failure: f}
	}

	if now.After(w.deadlineAt) {
		return outcome{terminal: StateTimedOut, failure: w.timeout()}
	}

	pct := rec.Progress
	if pct < w.lastProgress {
		pct = w.lastProgress
	}
	if pct != w.lastProgress || rec.Message != w.lastMessage {
		w.lastProgress, w.lastMessage = pct, rec.Message
		w.progressChanged = true
	}
	return w.continueOrCap(w.cfg.PollInterval)
}

func (w *watch) observeError(err error, now time.Time) outcome {
	// A fetch cut short by the run deadline surfaces as an error; report it as
	// the timeout it is rather than as a transport failure.
	if !now.Before(w.deadlineAt) {
		return outcome{terminal: StateTimedOut, failure: w.timeout()}
	}

	if !tasks.IsTransient(err) {
		return outcome{
			terminal: StateFailed,
			failure: &Failure{
				Kind:    FailurePermanent,
				JobID:   w.jobID,
				Code:    tasks.ErrorCode(err),
				Message: err.Error(),
				Err:     err,
			},
		}
	}

	if w.policy.count() >= w.cfg.MaxConsecutiveRetries {
		return outcome{
			terminal: StateFailed,
			failure: &Failure{
				Kind:    FailureRetriesExhausted,
				JobID:   w.jobID,
				Message: err.Error(),
				Err:     fmt.Errorf("%w after %d attempts: %w", tasks.ErrRetriesExhausted, w.policy.count(), err),
			},
		}
	}

	return w.continueOrCap(w.policy.next())
}

// continueOrCap schedules the next poll unless the attempt cap is reached.
func (w *watch) continueOrCap(next time.Duration) outcome {
	if w.cfg.MaxAttempts > 0 && w.attempts >= w.cfg.MaxAttempts {
		return outcome{
			terminal: StateTimedOut,
			failure: &Failure{
				Kind:    FailureMaxAttempts,
				JobID:   w.jobID,
				Message: fmt.Sprintf("no terminal status after %d polls", w.attempts),
				Err:     tasks.ErrMaxAttemptsExceeded,
			},
		}
	}
	return outcome{next: next}
}

func (w *watch) timeout() *Failure {
	return &Failure{
		Kind:    FailureTimeout,
		JobID:   w.jobID,
		Message: fmt.Sprintf("no terminal status within %s", w.cfg.MaxTotalWait),
		Err:     tasks.ErrTimedOut,
	}
}
