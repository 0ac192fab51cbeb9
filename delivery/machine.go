package delivery

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nasa-jpl/deliverybot/audio"
	"github.com/nasa-jpl/deliverybot/comm"
	"github.com/nasa-jpl/deliverybot/geom"
	"github.com/nasa-jpl/deliverybot/orderdb"
	"github.com/nasa-jpl/deliverybot/qr"
	"github.com/nasa-jpl/deliverybot/scan"
)

// Config holds the delivery machine's own tuning constants: the zone
// geometry and timing values that aren't already owned by one of the
// composed subsystems.
type Config struct {
	Home      geom.Pose
	Warehouse geom.Pose

	// DeliveryZoneRadius bounds where a person counts as "present" for
	// Waiting's exit condition.
	DeliveryZoneRadius float64

	// CustomerApproachTolerance is the distance at which Approaching
	// considers the customer reached (default 0.50m).
	CustomerApproachTolerance float64

	// CustomerLostGrace is how long a person may go undetected during
	// Approaching before the customer is considered to have walked away.
	CustomerLostGrace time.Duration

	// DeliveringWait is the box-open dwell time in Delivering (10s).
	DeliveringWait time.Duration

	// MaxRecoveryAttempts is the number of ErrorRecovery->home retries
	// tolerated before EmergencyStop (3).
	MaxRecoveryAttempts int

	// ErrorRetryDelay is the pause between ErrorRecovery retries (2s).
	ErrorRetryDelay time.Duration

	PersonDetector scan.PersonDetectorConfig
}

// DefaultConfig returns the stock delivery tuning.
func DefaultConfig() Config {
	return Config{
		Home:                      geom.Pose{},
		Warehouse:                 geom.Pose{X: 5, Y: 3},
		DeliveryZoneRadius:        3.0,
		CustomerApproachTolerance: 0.50,
		CustomerLostGrace:         2 * time.Second,
		DeliveringWait:            10 * time.Second,
		MaxRecoveryAttempts:       3,
		ErrorRetryDelay:           2 * time.Second,
		PersonDetector:            scan.DefaultPersonDetectorConfig(),
	}
}

// navigatorPort is the slice of *navigator.Navigator the machine drives
// against, narrowed to an interface so tests can substitute a fake
// without assembling a real localizer/planner/follower stack.
type navigatorPort interface {
	CurrentPose() geom.Pose
	Diverged() bool
	LatestScan() (geom.Scan, bool)
	NavigateTo(ctx context.Context, x, y float64) error
	Stop()
}

// linkPort is the slice of *comm.Link the machine needs: just the eye
// animation, since motor/servo commands are issued by navigator and box
// respectively.
type linkPort interface {
	LED(state comm.LEDState) error
}

// boxPort is the slice of *box.Actuator the machine drives.
type boxPort interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	EmergencyClose() error
}

// sinkPort is the slice of *audio.Sink the machine drives.
type sinkPort interface {
	Play(clip audio.Clip)
}

// Machine drives the nine-state delivery orchestration. It owns a single
// DeliveryContext and must be advanced only by calling Tick, at the
// target 10 Hz, from a single goroutine.
type Machine struct {
	nav     navigatorPort
	link    linkPort
	boxAct  boxPort
	sink    sinkPort
	db      *orderdb.Client
	decoder Decoder
	reset   *ResetWatcher

	cfg Config

	mu          sync.Mutex
	state       State
	ctx         DeliveryContext
	enteredAt   time.Time
	justEntered bool

	transitions []Transition

	// Worker completion channels. At most one of each is non-nil at a
	// time: exactly one navigation and one box operation may ever be in
	// flight.
	activeNav  chan error
	activeBox  chan error
	activeQR   <-chan qrResult
	qrCancel   context.CancelFunc
	confirm    chan struct{}
	deliverAt  time.Time
	closingBox bool
	retryAt    time.Time
	lastSeen   time.Time
}

// New composes a Machine from its subsystems. decoder supplies QR
// payload bytes for the Verifying state; reset may be nil, in which case
// EmergencyStop can only be cleared by restarting the process.
func New(nav navigatorPort, link linkPort, boxAct boxPort, sink sinkPort, db *orderdb.Client, decoder Decoder, reset *ResetWatcher, cfg Config) *Machine {
	return &Machine{
		nav:         nav,
		link:        link,
		boxAct:      boxAct,
		sink:        sink,
		db:          db,
		decoder:     decoder,
		reset:       reset,
		cfg:         cfg,
		state:       Waiting,
		enteredAt:   time.Now(),
		justEntered: true,
		confirm:     make(chan struct{}, 1),
	}
}

// State returns the current state, safe to call from another goroutine
// (e.g. the telemetry HTTP surface).
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the current delivery context, safe for
// concurrent read by telemetry.
func (m *Machine) Context() DeliveryContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Transitions returns every transition logged so far, oldest first.
func (m *Machine) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

// Confirm is the single-writer side of Loading's confirmation signal:
// an operator action (e.g. a physical button, or the telemetry surface's
// POST /state/confirm) calls this to unblock Loading. It never blocks.
func (m *Machine) Confirm() {
	select {
	case m.confirm <- struct{}{}:
	default:
	}
}

// Tick advances the machine by one step: it checks the current state's
// timeout, dispatches to that state's handler, and routes any error the
// handler surfaces through the central classifier. It must be called
// from a single goroutine, at the target 10 Hz.
func (m *Machine) Tick() {
	m.ctx.CurrentPose = m.nav.CurrentPose()

	if m.nav.Diverged() {
		m.fail(&Error{Kind: KindLocalizationFailure, Detail: "particle filter diverged"})
		return
	}

	state := m.State()
	if state != Verifying && state != EmergencyStop {
		timeout := state.Timeout()
		if timeout > 0 && time.Since(m.enteredAt) > timeout {
			m.fail(timeoutError(state))
			return
		}
	}

	switch state {
	case Waiting:
		m.tickWaiting()
	case Approaching:
		m.tickApproaching()
	case Verifying:
		m.tickVerifying()
	case NavigatingToWarehouse:
		m.tickNavigatingToWarehouse()
	case Loading:
		m.tickLoading()
	case ReturningToCustomer:
		m.tickReturningToCustomer()
	case Delivering:
		m.tickDelivering()
	case Resetting:
		m.tickResetting()
	case ErrorRecovery:
		m.tickErrorRecovery()
	case EmergencyStop:
		m.tickEmergencyStop()
	}
}

// transition moves the machine to next, logging a structured transition
// record with the triggering reason and a monotonic timestamp.
func (m *Machine) transition(next State, reason string) {
	m.mu.Lock()
	from := m.state
	m.state = next
	m.enteredAt = time.Now()
	m.justEntered = true
	m.transitions = append(m.transitions, Transition{From: from, To: next, Reason: reason, Timestamp: m.enteredAt})
	m.mu.Unlock()
	log.Printf("delivery: %s -> %s (%s)", from, next, reason)

	// worker bookkeeping never carries across a state boundary
	m.activeNav = nil
	m.activeBox = nil
	m.activeQR = nil
	if m.qrCancel != nil {
		m.qrCancel()
		m.qrCancel = nil
	}
	m.closingBox = false
}

// fail classifies err and routes the machine to ErrorRecovery (or
// straight to EmergencyStop for a Fatal kind), guaranteeing a zero-speed
// motor command has been issued before entry.
func (m *Machine) fail(e *Error) {
	m.nav.Stop()
	m.mu.Lock()
	m.ctx.LastError = e
	m.mu.Unlock()
	if e.Kind == KindOrderInvalid {
		// Handled locally by Verifying; fail should never be called with it.
		m.transition(Waiting, e.Error())
		return
	}
	if e.Kind.Fatal() {
		m.transition(EmergencyStop, e.Error())
		return
	}
	m.transition(ErrorRecovery, e.Error())
}

// --- Waiting ---

func (m *Machine) tickWaiting() {
	if m.justEntered {
		m.link.LED(comm.LEDIdle)
		m.mu.Lock()
		m.ctx.clearForWaiting()
		m.mu.Unlock()
		m.justEntered = false
	}
	sc, ok := m.nav.LatestScan()
	if !ok {
		return
	}
	person, ok := scan.NearestPerson(m.ctx.CurrentPose, sc, m.cfg.PersonDetector)
	if !ok {
		return
	}
	if geom.Distance(m.cfg.Home, geom.Pose{X: person.X, Y: person.Y}) > m.cfg.DeliveryZoneRadius {
		return
	}
	m.lastSeen = time.Now()
	m.transition(Approaching, "person detected in delivery zone")
}

// --- Approaching ---

func (m *Machine) tickApproaching() {
	if m.justEntered {
		m.link.LED(comm.LEDMoving)
		m.lastSeen = time.Now()
		m.justEntered = false
	}

	sc, ok := m.nav.LatestScan()
	var person scan.PersonCluster
	var seen bool
	if ok {
		person, seen = scan.NearestPerson(m.ctx.CurrentPose, sc, m.cfg.PersonDetector)
	}

	if !seen {
		if time.Since(m.lastSeen) > m.cfg.CustomerLostGrace {
			m.nav.Stop()
			m.transition(Waiting, "customer lost")
		}
		return
	}
	m.lastSeen = time.Now()

	dist := geom.Distance(m.ctx.CurrentPose, geom.Pose{X: person.X, Y: person.Y})
	if dist <= m.cfg.CustomerApproachTolerance {
		m.nav.Stop()
		pose := geom.Pose{X: person.X, Y: person.Y}
		m.mu.Lock()
		m.ctx.SavedCustomerPose = &pose
		m.mu.Unlock()
		m.transition(Verifying, "customer within approach tolerance")
		return
	}

	if m.activeNav == nil {
		m.beginNavigate(person.X, person.Y)
		return
	}
	// Arrival or failure of the in-flight leg just clears activeNav;
	// re-targeting from the freshest detection happens on the next tick.
	m.pollNav()
}

// --- Verifying ---

func (m *Machine) tickVerifying() {
	if m.justEntered {
		m.link.LED(comm.LEDWaiting)
		m.sink.Play(audio.RequestQR)
		ctx, cancel := context.WithTimeout(context.Background(), Verifying.Timeout())
		m.qrCancel = cancel
		m.activeQR = startQRCapture(ctx, m.decoder)
		m.justEntered = false
	}

	select {
	case res := <-m.activeQR:
		m.activeQR = nil
		m.handleQRResult(res)
	default:
		if time.Since(m.enteredAt) > Verifying.Timeout() {
			m.link.LED(comm.LEDFailureScan)
			m.sink.Play(audio.OrderRejected)
			m.transition(Waiting, "QR capture timed out")
		}
	}
}

func (m *Machine) handleQRResult(res qrResult) {
	if res.err != nil {
		m.link.LED(comm.LEDFailureScan)
		m.sink.Play(audio.OrderRejected)
		m.transition(Waiting, "malformed QR payload")
		return
	}
	ok, err := qr.Verify(context.Background(), res.payload, m.db)
	if err != nil {
		m.fail(classify(err))
		return
	}
	if !ok {
		m.link.LED(comm.LEDFailureScan)
		m.sink.Play(audio.OrderRejected)
		m.mu.Lock()
		m.ctx.LastError = orderInvalidError("no matching order for payload")
		m.mu.Unlock()
		m.transition(Waiting, "order rejected")
		return
	}
	m.link.LED(comm.LEDSuccessScan)
	m.sink.Play(audio.OrderAccepted)
	id := res.payload.OrderID
	m.mu.Lock()
	m.ctx.OrderID = &id
	m.mu.Unlock()
	m.transition(NavigatingToWarehouse, "order verified")
}

// --- NavigatingToWarehouse ---

func (m *Machine) tickNavigatingToWarehouse() {
	if m.justEntered {
		m.link.LED(comm.LEDMoving)
		m.beginNavigate(m.cfg.Warehouse.X, m.cfg.Warehouse.Y)
		m.justEntered = false
	}
	done, err := m.pollNav()
	if !done {
		return
	}
	if err != nil {
		m.fail(classify(err))
		return
	}
	m.transition(Loading, "arrived at warehouse")
}

// --- Loading ---

func (m *Machine) tickLoading() {
	if m.justEntered {
		m.link.LED(comm.LEDWaiting)
		if m.ctx.OrderID != nil {
			m.sink.Play(audio.OrderNumber(*m.ctx.OrderID))
		}
		m.drainConfirm()
		m.beginBoxOpen()
		m.justEntered = false
	}

	// Phase 1: box still ramping open. Nothing else to do this tick.
	if m.activeBox != nil && !m.closingBox {
		if done, err := m.pollBox(); done && err != nil {
			m.fail(classify(err))
		}
		return
	}

	// Phase 2: box open, waiting for operator confirmation.
	if !m.closingBox {
		select {
		case <-m.confirm:
			m.beginBoxClose()
			m.closingBox = true
		default:
		}
		return
	}

	// Phase 3: confirmed, box ramping closed.
	if done, err := m.pollBox(); done {
		if err != nil {
			m.fail(classify(err))
			return
		}
		m.transition(ReturningToCustomer, "loading confirmed")
	}
}

// drainConfirm discards any stale confirmation left over from a
// previous Loading visit.
func (m *Machine) drainConfirm() {
	select {
	case <-m.confirm:
	default:
	}
}

// --- ReturningToCustomer ---

func (m *Machine) tickReturningToCustomer() {
	if m.justEntered {
		m.link.LED(comm.LEDMoving)
		target := m.cfg.Home
		if m.ctx.SavedCustomerPose != nil {
			target = *m.ctx.SavedCustomerPose
		}
		m.beginNavigate(target.X, target.Y)
		m.justEntered = false
	}
	done, err := m.pollNav()
	if !done {
		return
	}
	if err != nil {
		m.fail(classify(err))
		return
	}
	m.transition(Delivering, "arrived at customer")
}

// --- Delivering ---

func (m *Machine) tickDelivering() {
	if m.justEntered {
		m.link.LED(comm.LEDWaiting)
		m.sink.Play(audio.DeliveryGreeting)
		m.beginBoxOpen()
		m.deliverAt = time.Now().Add(m.cfg.DeliveringWait)
		m.justEntered = false
	}

	// Phase 1: box ramping open, dwell timer running underneath.
	if m.activeBox != nil && !m.closingBox {
		if done, err := m.pollBox(); done && err != nil {
			m.fail(classify(err))
		}
		return
	}

	// Phase 2: box open, waiting out the dwell timer.
	if !m.closingBox {
		if time.Now().Before(m.deliverAt) {
			return
		}
		m.beginBoxClose()
		m.closingBox = true
		return
	}

	// Phase 3: dwell elapsed, box ramping closed.
	if done, err := m.pollBox(); done {
		if err != nil {
			m.fail(classify(err))
			return
		}
		m.transition(Resetting, "delivery window elapsed")
	}
}

// --- Resetting ---

func (m *Machine) tickResetting() {
	if m.justEntered {
		m.link.LED(comm.LEDMoving)
		m.mu.Lock()
		m.ctx.SavedCustomerPose = nil
		m.mu.Unlock()
		m.beginNavigate(m.cfg.Home.X, m.cfg.Home.Y)
		m.justEntered = false
	}
	done, err := m.pollNav()
	if !done {
		return
	}
	if err != nil {
		m.fail(classify(err))
		return
	}
	m.transition(Waiting, "returned home")
}

// --- ErrorRecovery ---

func (m *Machine) tickErrorRecovery() {
	if m.justEntered {
		m.nav.Stop()
		m.beginBoxClose()
		m.sink.Play(audio.ErrorTone)
		m.mu.Lock()
		m.ctx.SavedCustomerPose = nil
		m.mu.Unlock()
		if m.ctx.LastError != nil {
			log.Printf("delivery: entering ErrorRecovery: %v", m.ctx.LastError)
		}
		m.beginNavigate(m.cfg.Home.X, m.cfg.Home.Y)
		m.justEntered = false
	}
	if m.activeBox != nil {
		m.pollBox()
	}
	if !m.retryAt.IsZero() {
		if time.Now().Before(m.retryAt) {
			return
		}
		m.retryAt = time.Time{}
		m.beginNavigate(m.cfg.Home.X, m.cfg.Home.Y)
	}
	done, err := m.pollNav()
	if !done {
		return
	}
	if err == nil {
		m.mu.Lock()
		m.ctx.RecoveryAttempts = 0
		m.mu.Unlock()
		m.transition(Waiting, "recovered to home")
		return
	}
	m.mu.Lock()
	m.ctx.RecoveryAttempts++
	attempts := m.ctx.RecoveryAttempts
	m.mu.Unlock()
	if attempts >= m.cfg.MaxRecoveryAttempts {
		m.transition(EmergencyStop, "recovery attempts exhausted")
		return
	}
	m.retryAt = time.Now().Add(m.cfg.ErrorRetryDelay)
}

// --- EmergencyStop ---

func (m *Machine) tickEmergencyStop() {
	if m.justEntered {
		m.nav.Stop()
		m.boxAct.EmergencyClose()
		m.link.LED(comm.LEDError)
		m.mu.Lock()
		m.ctx.SavedCustomerPose = nil
		m.mu.Unlock()
		m.justEntered = false
	}
	if m.reset != nil && m.reset.Signalled() {
		m.mu.Lock()
		m.ctx.clearForWaiting()
		m.mu.Unlock()
		m.transition(Waiting, "manual reset")
	}
}

// --- worker helpers ---

// beginNavigate launches a NavigateTo call on its own goroutine,
// reporting completion through activeNav without blocking Tick.
func (m *Machine) beginNavigate(x, y float64) {
	ch := make(chan error, 1)
	m.activeNav = ch
	go func() {
		ch <- m.nav.NavigateTo(context.Background(), x, y)
	}()
}

// pollNav reports whether the active navigation has completed and, if
// so, clears it and returns its error.
func (m *Machine) pollNav() (done bool, err error) {
	if m.activeNav == nil {
		return false, nil
	}
	select {
	case err = <-m.activeNav:
		m.activeNav = nil
		return true, err
	default:
		return false, nil
	}
}

func (m *Machine) beginBoxOpen() {
	ch := make(chan error, 1)
	m.activeBox = ch
	go func() {
		ch <- m.boxAct.Open(context.Background())
	}()
}

func (m *Machine) beginBoxClose() {
	ch := make(chan error, 1)
	m.activeBox = ch
	go func() {
		ch <- m.boxAct.Close(context.Background())
	}()
}

func (m *Machine) pollBox() (done bool, err error) {
	if m.activeBox == nil {
		return false, nil
	}
	select {
	case err = <-m.activeBox:
		m.activeBox = nil
		return true, err
	default:
		return false, nil
	}
}
