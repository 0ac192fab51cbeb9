package delivery

import "github.com/nasa-jpl/deliverybot/geom"

// DeliveryContext is the mutable record the state machine owns and
// mutates only from the tick loop. Worker tasks never write into it
// directly; they report back through completion channels the handlers
// read and fold in.
type DeliveryContext struct {
	// CurrentPose is refreshed from the navigator every tick.
	CurrentPose geom.Pose

	// SavedCustomerPose is non-nil iff the machine is in one of
	// {Verifying, NavigatingToWarehouse, Loading, ReturningToCustomer,
	// Delivering}.
	SavedCustomerPose *geom.Pose

	// OrderID is the verified order's identifier, set on entry to
	// NavigatingToWarehouse and cleared on return to Waiting.
	OrderID *int

	// LastError is the most recently classified Error, retained for
	// operator-visible diagnostics after a transition into ErrorRecovery.
	LastError *Error

	// RecoveryAttempts counts consecutive ErrorRecovery->ErrorRecovery
	// retries; it resets to zero on any successful return to Waiting and
	// trips EmergencyStop once it reaches MaxRecoveryAttempts.
	RecoveryAttempts int
}

// clearForWaiting resets the per-delivery fields on entry to Waiting:
// saved customer pose, order id, and the recovery counter. LastError is
// intentionally left for post-mortem inspection until the next error
// overwrites it.
func (c *DeliveryContext) clearForWaiting() {
	c.SavedCustomerPose = nil
	c.OrderID = nil
	c.RecoveryAttempts = 0
}
