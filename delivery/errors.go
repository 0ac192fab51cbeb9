package delivery

import (
	"errors"
	"fmt"

	"github.com/nasa-jpl/deliverybot/comm"
	"github.com/nasa-jpl/deliverybot/motion"
	"github.com/nasa-jpl/deliverybot/planner"
)

// Kind tags one of the failure variants the state machine acts on.
// Nothing below the state machine decides final policy: every handler
// returns a plain error, and classify (below) maps it to a Kind and a
// fatal/non-fatal verdict. The machine's own deadline, divergence and
// order-rejection checks build their Error directly.
type Kind int

// The recognized error kinds.
const (
	KindLinkLost Kind = iota
	KindLocalizationFailure
	KindPathNotFound
	KindGoalUnreachable
	KindObstacleCollision
	KindStateTimeout
	KindOrderInvalid
	KindServoFault
)

func (k Kind) String() string {
	switch k {
	case KindLinkLost:
		return "LinkLost"
	case KindLocalizationFailure:
		return "LocalizationFailure"
	case KindPathNotFound:
		return "PathNotFound"
	case KindGoalUnreachable:
		return "GoalUnreachable"
	case KindObstacleCollision:
		return "ObstacleCollision"
	case KindStateTimeout:
		return "StateTimeout"
	case KindOrderInvalid:
		return "OrderInvalid"
	case KindServoFault:
		return "ServoFault"
	default:
		return "Unknown"
	}
}

// Fatal reports whether this Kind always routes to EmergencyStop rather
// than ErrorRecovery.
func (k Kind) Fatal() bool {
	return k == KindLinkLost || k == KindLocalizationFailure
}

// Error is the tagged record every handler-facing failure is classified
// into before the tick loop acts on it, following the shape of
// comm.ErrLinkLost: a small struct with a Kind tag and an Error() method,
// rather than a hierarchy of error types.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// classify maps a raw error surfaced by a subsystem into a tagged
// delivery Error. Only a lost link and the planner/motion sentinels
// below get their own Kind; every other error (box failures, navigator
// ErrBusy or cancellation, and anything else) is treated as a
// ServoFault-class miscellaneous non-fatal failure.
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	switch {
	case isLinkLost(err):
		return &Error{Kind: KindLinkLost, Detail: err.Error()}
	case err == planner.ErrPathNotFound:
		return &Error{Kind: KindPathNotFound, Detail: err.Error()}
	case err == motion.ErrGoalUnreachable:
		return &Error{Kind: KindGoalUnreachable, Detail: err.Error()}
	case err == motion.ErrObstacleCollision:
		return &Error{Kind: KindObstacleCollision, Detail: err.Error()}
	default:
		return &Error{Kind: KindServoFault, Detail: err.Error()}
	}
}

// isLinkLost reports whether err is (or wraps) a comm.ErrLinkLost.
func isLinkLost(err error) bool {
	var ll comm.ErrLinkLost
	return errors.As(err, &ll)
}

// timeoutError builds the Error a state's own deadline expiry produces.
func timeoutError(s State) *Error {
	return &Error{Kind: KindStateTimeout, Detail: fmt.Sprintf("%s exceeded its timeout", s)}
}

// orderInvalidError builds the Error an unverified or mismatched QR
// payload produces; it is handled locally by Verifying and never reaches
// the central classifier.
func orderInvalidError(reason string) *Error {
	return &Error{Kind: KindOrderInvalid, Detail: reason}
}
