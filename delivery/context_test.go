package delivery

import (
	"testing"

	"github.com/nasa-jpl/deliverybot/geom"
)

func TestClearForWaitingResetsFields(t *testing.T) {
	pose := geom.Pose{X: 1, Y: 2}
	id := 7
	c := DeliveryContext{
		SavedCustomerPose: &pose,
		OrderID:           &id,
		RecoveryAttempts:  2,
		LastError:         &Error{Kind: KindServoFault},
	}
	c.clearForWaiting()

	if c.SavedCustomerPose != nil {
		t.Errorf("SavedCustomerPose = %v, want nil", c.SavedCustomerPose)
	}
	if c.OrderID != nil {
		t.Errorf("OrderID = %v, want nil", c.OrderID)
	}
	if c.RecoveryAttempts != 0 {
		t.Errorf("RecoveryAttempts = %d, want 0", c.RecoveryAttempts)
	}
	if c.LastError == nil {
		t.Errorf("LastError should be left for post-mortem inspection")
	}
}
