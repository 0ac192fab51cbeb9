// deliverybot drives the autonomous indoor delivery robot's control
// core end to end: it opens the microcontroller link and laser scanner,
// composes localization/planning/motion into a navigator, and ticks the
// delivery state machine at a fixed rate while serving a read-only
// telemetry HTTP surface alongside it.
package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/deliverybot/audio"
	"github.com/nasa-jpl/deliverybot/box"
	"github.com/nasa-jpl/deliverybot/comm"
	"github.com/nasa-jpl/deliverybot/config"
	"github.com/nasa-jpl/deliverybot/delivery"
	"github.com/nasa-jpl/deliverybot/geom"
	"github.com/nasa-jpl/deliverybot/localize"
	"github.com/nasa-jpl/deliverybot/motion"
	"github.com/nasa-jpl/deliverybot/navigator"
	"github.com/nasa-jpl/deliverybot/occupancy"
	"github.com/nasa-jpl/deliverybot/odometry"
	"github.com/nasa-jpl/deliverybot/orderdb"
	"github.com/nasa-jpl/deliverybot/planner"
	"github.com/nasa-jpl/deliverybot/scan"
	"github.com/nasa-jpl/deliverybot/telemetry"
)

// ConfigFileName is the default configuration path, overridable with the
// first positional argument after the command.
var ConfigFileName = "deliverybot.yml"

func root() {
	fmt.Println(`deliverybot drives the indoor delivery robot's control core.

Usage:
	deliverybot <command> [config file]

Commands:
	run      start the control loop and telemetry server
	mkconf   write out a configuration file populated with defaults
	version`)
}

func mkconf(path string) {
	if err := config.Save(path, config.Default()); err != nil {
		log.Fatal(err)
	}
	color.Green("wrote defaults to %s", path)
}

func pversion() {
	fmt.Println("deliverybot version dev")
}

// clipLibrary names the robot's fixed audio cue set; order_number_<n>
// clips are assumed to exist for every order id the deployment's order
// database can return.
func clipLibrary() map[audio.Clip]string {
	lib := map[audio.Clip]string{
		audio.RequestQR:        "assets/request_qr.wav",
		audio.OrderAccepted:    "assets/order_accepted.wav",
		audio.OrderRejected:    "assets/order_rejected.wav",
		audio.DeliveryGreeting: "assets/delivery_greeting.wav",
		audio.ErrorTone:        "assets/error.wav",
	}
	for i := 1; i <= 100; i++ {
		lib[audio.OrderNumber(i)] = fmt.Sprintf("assets/order_number_%d.wav", i)
	}
	return lib
}

// stubDecoder stands in where the camera/QR pipeline plugs in: no
// capture hardware is wired here, so Verifying always times out until a
// real Decoder replaces this one. Voice input for order numbers is
// likewise unsupported.
func stubDecoder(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// irToMetres converts the proximity sensor's raw ADC reading with the
// usual inverse-distance fit for a Sharp analog IR ranger. Readings at
// or below the sensor's noise floor mean nothing is in range.
func irToMetres(raw int) float64 {
	if raw <= 20 {
		return math.Inf(1)
	}
	return 48.0 / float64(raw-20)
}

func connect(cfg config.Config) (*comm.Link, *navigator.Navigator, *delivery.ResetWatcher, error) {
	spinner, _ := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " opening serial link to microcontroller",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	})
	if spinner != nil {
		spinner.Start()
	}

	geo := odometry.Geometry{
		WheelBase:   cfg.WheelBaseMetres,
		WheelRadius: cfg.WheelRadiusMetres,
		TicksPerRev: cfg.TicksPerRev,
	}
	integrator := odometry.New(geo, geom.Pose{X: cfg.Home.X, Y: cfg.Home.Y, Theta: cfg.Home.Theta})
	filter := localize.New(cfg.ParticleCount, geom.Pose{X: cfg.Home.X, Y: cfg.Home.Y, Theta: cfg.Home.Theta}, geom.Pose{X: 0.05, Y: 0.05, Theta: 0.05}, time.Now().UnixNano())

	rawMap, err := occupancy.LoadFile(cfg.MapPath)
	if err != nil {
		if spinner != nil {
			spinner.StopFail()
		}
		return nil, nil, nil, err
	}
	plan := planner.New(rawMap, cfg.ObstacleClearance)

	// nav is assigned once the navigator exists below; the link's
	// handlers close over the pointer rather than a value because the
	// link (which the handlers are registered on) must exist before the
	// navigator that owns EncoderListener/IRListener can be built.
	var nav *navigator.Navigator
	link := comm.New(cfg.SerialDevice, cfg.SerialBaud, comm.Handlers{
		OnEncoderDelta: func(d comm.EncoderDelta) {
			if nav != nil {
				nav.EncoderListener()(d)
			}
		},
		OnIR: func(s comm.IRSample) {
			if nav != nil {
				nav.IRListener()(s)
			}
		},
		OnLinkError: func(text string) {
			log.Printf("deliverybot: microcontroller error: %s", text)
		},
	})
	followerCfg := motion.DefaultConfig(geo)
	followerCfg.HeadingKp, followerCfg.HeadingKi, followerCfg.HeadingKd = cfg.AngularPID.Kp, cfg.AngularPID.Ki, cfg.AngularPID.Kd
	followerCfg.DistanceKp, followerCfg.DistanceKi, followerCfg.DistanceKd = cfg.LinearPID.Kp, cfg.LinearPID.Ki, cfg.LinearPID.Kd
	followerCfg.ObstacleClearance = cfg.ObstacleClearance
	follower := motion.New(link, followerCfg)

	scanSource, err := scan.OpenSerial(cfg.ScanDevice, cfg.ScanBaud)
	if err != nil {
		if spinner != nil {
			spinner.StopFail()
		}
		return nil, nil, nil, err
	}

	nav = navigator.New(navigator.Config{
		Geometry:          geo,
		Link:              link,
		Integrator:        integrator,
		Filter:            filter,
		Planner:           plan,
		Follower:          follower,
		ScanSource:        scanSource,
		Map:               rawMap,
		IRToMetres:        irToMetres,
		ObstacleClearance: cfg.ObstacleClearance,
	})

	if err := link.Open(); err != nil {
		if spinner != nil {
			spinner.StopFail()
		}
		return nil, nil, nil, err
	}
	if spinner != nil {
		spinner.Stop()
	}

	var reset *delivery.ResetWatcher
	if cfg.ResetWatchDir != "" {
		if err := os.MkdirAll(cfg.ResetWatchDir, 0755); err == nil {
			reset, _ = delivery.WatchDir(cfg.ResetWatchDir)
		}
	}

	return link, nav, reset, nil
}

func run(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("deliverybot: loading config: %v", err)
	}

	link, nav, reset, err := connect(cfg)
	if err != nil {
		color.Red("deliverybot: %v", err)
		log.Fatal(err)
	}

	boxAct := box.New(link)
	sink := audio.New(clipLibrary())
	lookup := orderdb.Fake(map[int]string{}) // no database reachable: every order rejects
	if cfg.OrderDBURL != "" {
		lookup = orderdb.HTTP(cfg.OrderDBURL, nil)
	}
	db := orderdb.New(lookup, cfg.OrderDBMaxElapsed())

	mcfg := delivery.Config{
		Home:                      geom.Pose{X: cfg.Home.X, Y: cfg.Home.Y, Theta: cfg.Home.Theta},
		Warehouse:                 geom.Pose{X: cfg.Warehouse.X, Y: cfg.Warehouse.Y, Theta: cfg.Warehouse.Theta},
		DeliveryZoneRadius:        cfg.DeliveryZoneRadius,
		CustomerApproachTolerance: cfg.CustomerApproachTolerance,
		CustomerLostGrace:         cfg.CustomerLostGrace(),
		DeliveringWait:            cfg.DeliveringWait(),
		MaxRecoveryAttempts:       cfg.MaxRecoveryAttempts,
		ErrorRetryDelay:           cfg.ErrorRetryDelay(),
		PersonDetector:            scan.DefaultPersonDetectorConfig(),
	}
	machine := delivery.New(nav, link, boxAct, sink, db, stubDecoder, reset, mcfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := nav.RunScanLoop(ctx); err != nil {
			log.Printf("deliverybot: scan loop stopped: %v", err)
		}
	}()

	mux := telemetry.BuildMux(machine)
	go func() {
		log.Printf("deliverybot: telemetry listening at %s", cfg.TelemetryAddr)
		if err := http.ListenAndServe(cfg.TelemetryAddr, mux); err != nil {
			log.Printf("deliverybot: telemetry server stopped: %v", err)
		}
	}()

	color.Green("deliverybot: running, tick rate %.1f Hz", cfg.TickRateHz)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / cfg.TickRateHz))
	defer ticker.Stop()
	stoppedTicks := 0
	for range ticker.C {
		machine.Tick()
		// With no reset watcher EmergencyStop is truly terminal; one extra
		// tick lets its entry side-effects (LED, box close) run first.
		if reset == nil && machine.State() == delivery.EmergencyStop {
			stoppedTicks++
			if stoppedTicks > 1 {
				color.Red("deliverybot: emergency stop with no reset signal configured, exiting")
				os.Exit(2)
			}
		}
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	path := ConfigFileName
	if len(args) > 2 {
		path = args[2]
	}
	switch cmd {
	case "help":
		root()
	case "mkconf":
		mkconf(path)
	case "version":
		pversion()
	case "run":
		run(path)
	default:
		log.Fatalf("deliverybot: unknown command %q", cmd)
	}
}
