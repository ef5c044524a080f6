package workflow

import "context"

// Submission tracks one request issued by a workflow instance.
type Submission struct {
	Generation uint64

	done    chan struct{}
	applied bool
}

func newSubmission(gen uint64) *Submission {
	return &Submission{Generation: gen, done: make(chan struct{})}
}

func (s *Submission) finish(applied bool) {
	s.applied = applied
	close(s.done)
}

// Done is closed once the request has settled, whether or not its result
// was applied.
func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the request settles or ctx is done.
func (s *Submission) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Applied reports whether the result changed the instance's state. It is
// only meaningful after Done is closed; a false value means the submission
// had been superseded by a reset or a newer submission.
func (s *Submission) Applied() bool {
	select {
	case <-s.done:
		return s.applied
	default:
		return false
	}
}
