package voting

import "fmt"

type event int

const (
	eventRequestSubmit event = iota
	eventConfirm
	eventCommitSucceeded
	eventCommitFailed
	eventReset
)

func (e event) String() string {
	switch e {
	case eventRequestSubmit:
		return "request-submit"
	case eventConfirm:
		return "confirm"
	case eventCommitSucceeded:
		return "commit-succeeded"
	case eventCommitFailed:
		return "commit-failed"
	case eventReset:
		return "reset"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// transition returns the phase that follows p on e. Every phase change in
// a session goes through here.
func transition(p Phase, e event) (Phase, error) {
	switch p {
	case PhaseRating:
		switch e {
		case eventRequestSubmit:
			return PhaseFeedbackPending, nil
		case eventReset:
			return PhaseRating, nil
		}
	case PhaseFeedbackPending:
		switch e {
		case eventRequestSubmit:
			return PhaseFeedbackPending, nil
		case eventConfirm:
			return PhaseSubmitting, nil
		case eventReset:
			return PhaseRating, nil
		}
	case PhaseSubmitting:
		switch e {
		case eventCommitSucceeded:
			return PhaseRating, nil
		case eventCommitFailed:
			return PhaseFeedbackPending, nil
		default:
			return p, ErrSubmitting
		}
	}
	return p, fmt.Errorf("%w: %s during %s", ErrWrongPhase, e, p)
}
