/*Package box drives the delivery box's lid servo: a gradual, ramped
open/close for normal operation, and an immediate, unramped close for
emergencies.
*/
package box

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/deliverybot/comm"
)

const (
	// OpenAngle is the servo angle, in degrees, that the lid is
	// considered fully open.
	OpenAngle = 90

	// OpenThreshold is the angle at or above which IsOpen reports true.
	OpenThreshold = 45

	// DefaultRampRate is the lid's nominal travel speed, degrees/second.
	DefaultRampRate = 45.0

	defaultTick = 50 * time.Millisecond
)

// Actuator tracks the lid servo's last acknowledged angle and drives it
// open and closed.
type Actuator struct {
	link *comm.Link

	mu       sync.Mutex
	angle    int
	rampRate float64
	tick     time.Duration
}

// New returns an Actuator assumed closed (angle 0) until told otherwise.
func New(link *comm.Link) *Actuator {
	return &Actuator{link: link, rampRate: DefaultRampRate, tick: defaultTick}
}

// Angle returns the last acknowledged servo angle.
func (a *Actuator) Angle() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.angle
}

// IsOpen reports whether the lid is open per OpenThreshold.
func (a *Actuator) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.angle >= OpenThreshold
}

// Open ramps the lid from its current angle up to OpenAngle at rampRate
// degrees/second, sending a SERVO command each time the rounded angle
// changes so the lid doesn't slam. It returns early with ctx.Err() if cancelled mid-ramp, leaving
// the lid at whatever angle it last reached.
func (a *Actuator) Open(ctx context.Context) error {
	return a.rampTo(ctx, OpenAngle)
}

// Close ramps the lid down to 0 degrees.
func (a *Actuator) Close(ctx context.Context) error {
	return a.rampTo(ctx, 0)
}

func (a *Actuator) rampTo(ctx context.Context, target int) error {
	start := a.Angle()
	if start == target {
		return nil
	}
	direction := 1.0
	if start > target {
		direction = -1.0
	}
	stepDeg := a.rampRate * a.tick.Seconds()
	if stepDeg <= 0 {
		stepDeg = 1
	}

	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	position := float64(start)
	lastSent := start
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		position += direction * stepDeg
		done := (direction > 0 && position >= float64(target)) || (direction < 0 && position <= float64(target))
		if done {
			position = float64(target)
		}

		next := int(math.Round(position))
		if next != lastSent {
			if err := a.link.Servo(next); err != nil {
				return err
			}
			a.mu.Lock()
			a.angle = next
			a.mu.Unlock()
			lastSent = next
		}

		if done {
			return nil
		}
	}
}

// EmergencyClose sends a single SERVO:0 command with no ramp, for use
// when the delivery state machine enters EmergencyStop.
func (a *Actuator) EmergencyClose() error {
	if err := a.link.Servo(0); err != nil {
		return err
	}
	a.mu.Lock()
	a.angle = 0
	a.mu.Unlock()
	return nil
}
