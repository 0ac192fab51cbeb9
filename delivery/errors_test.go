package delivery

import (
	"testing"

	"github.com/nasa-jpl/deliverybot/comm"
	"github.com/nasa-jpl/deliverybot/motion"
	"github.com/nasa-jpl/deliverybot/planner"
)

func TestKindFatalClassification(t *testing.T) {
	fatal := []Kind{KindLinkLost, KindLocalizationFailure}
	for _, k := range fatal {
		if !k.Fatal() {
			t.Errorf("%s.Fatal() = false, want true", k)
		}
	}
	nonFatal := []Kind{KindPathNotFound, KindGoalUnreachable, KindObstacleCollision,
		KindStateTimeout, KindOrderInvalid, KindServoFault}
	for _, k := range nonFatal {
		if k.Fatal() {
			t.Errorf("%s.Fatal() = true, want false", k)
		}
	}
}

func TestErrorStringIncludesDetail(t *testing.T) {
	e := &Error{Kind: KindServoFault, Detail: "stall"}
	if got, want := e.Error(), "ServoFault: stall"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorStringOmitsEmptyDetail(t *testing.T) {
	e := &Error{Kind: KindLinkLost}
	if got, want := e.Error(), "LinkLost"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestClassifyLinkLost(t *testing.T) {
	err := comm.ErrLinkLost{Command: "MOTOR:1,1,0,0"}
	got := classify(err)
	if got.Kind != KindLinkLost {
		t.Errorf("classify(ErrLinkLost) = %s, want LinkLost", got.Kind)
	}
}

func TestClassifyPathNotFound(t *testing.T) {
	got := classify(planner.ErrPathNotFound)
	if got.Kind != KindPathNotFound {
		t.Errorf("classify(ErrPathNotFound) = %s, want PathNotFound", got.Kind)
	}
}

func TestClassifyGoalUnreachable(t *testing.T) {
	got := classify(motion.ErrGoalUnreachable)
	if got.Kind != KindGoalUnreachable {
		t.Errorf("classify(ErrGoalUnreachable) = %s, want GoalUnreachable", got.Kind)
	}
}

func TestClassifyObstacleCollision(t *testing.T) {
	got := classify(motion.ErrObstacleCollision)
	if got.Kind != KindObstacleCollision {
		t.Errorf("classify(ErrObstacleCollision) = %s, want ObstacleCollision", got.Kind)
	}
}

func TestClassifyUnknownFallsBackToServoFault(t *testing.T) {
	got := classify(errUnrecognized{})
	if got.Kind != KindServoFault {
		t.Errorf("classify(unrecognized) = %s, want ServoFault", got.Kind)
	}
}

func TestClassifyNil(t *testing.T) {
	if classify(nil) != nil {
		t.Errorf("classify(nil) should be nil")
	}
}

type errUnrecognized struct{}

func (errUnrecognized) Error() string { return "mystery failure" }

func TestTimeoutErrorKind(t *testing.T) {
	e := timeoutError(Approaching)
	if e.Kind != KindStateTimeout {
		t.Errorf("timeoutError kind = %s, want StateTimeout", e.Kind)
	}
}

func TestOrderInvalidErrorIsNeverFatal(t *testing.T) {
	e := orderInvalidError("mismatched secret")
	if e.Kind.Fatal() {
		t.Errorf("OrderInvalid must never be fatal")
	}
}
