/*Package config loads deliverybot's configuration: a single struct
seeded with its own defaults via koanf's structs provider, then overlaid
by an optional YAML file. A missing file is not an error, and a field
the file does not mention keeps its default value. Keys are matched
against the koanf tags as written; an override spelled in a different
case does not replace the default.
*/
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "github.com/go-yaml/yaml"
)

// Pose is a named (x, y, theta) used for the home and warehouse zone
// coordinates.
type Pose struct {
	X     float64 `koanf:"x"`
	Y     float64 `koanf:"y"`
	Theta float64 `koanf:"theta"`
}

// PIDGains names one controller's three gains.
type PIDGains struct {
	Kp float64 `koanf:"kp"`
	Ki float64 `koanf:"ki"`
	Kd float64 `koanf:"kd"`
}

// Config is the robot's flat configuration surface: zone coordinates,
// tolerances, PID gains, particle count, update rates, device
// paths/bauds, and the delivery machine's own timing constants.
type Config struct {
	Home      Pose `koanf:"home"`
	Warehouse Pose `koanf:"warehouse"`

	PositionTolerance         float64 `koanf:"position_tolerance"`
	CustomerApproachTolerance float64 `koanf:"customer_approach_tolerance"`
	ObstacleClearance         float64 `koanf:"obstacle_clearance"`
	DeliveryZoneRadius        float64 `koanf:"delivery_zone_radius"`

	LinearPID  PIDGains `koanf:"linear_pid"`
	AngularPID PIDGains `koanf:"angular_pid"`

	ParticleCount int     `koanf:"particle_count"`
	TickRateHz    float64 `koanf:"tick_rate_hz"`
	ScanRateHz    float64 `koanf:"scan_rate_hz"`

	WheelBaseMetres   float64 `koanf:"wheel_base_metres"`
	WheelRadiusMetres float64 `koanf:"wheel_radius_metres"`
	TicksPerRev       float64 `koanf:"ticks_per_rev"`

	SerialDevice string `koanf:"serial_device"`
	SerialBaud   int    `koanf:"serial_baud"`

	ScanDevice string `koanf:"scan_device"`
	ScanBaud   int    `koanf:"scan_baud"`

	MapPath string `koanf:"map_path"`

	CustomerLostGraceSeconds float64 `koanf:"customer_lost_grace_seconds"`
	DeliveringWaitSeconds    float64 `koanf:"delivering_wait_seconds"`
	ErrorRetryDelaySeconds   float64 `koanf:"error_retry_delay_seconds"`
	MaxRecoveryAttempts      int     `koanf:"max_recovery_attempts"`

	ResetWatchDir string `koanf:"reset_watch_dir"`

	TelemetryAddr string `koanf:"telemetry_addr"`

	// OrderDBURL is the base URL of the external order database service;
	// empty means no database is reachable and every order is rejected.
	OrderDBURL               string  `koanf:"order_db_url"`
	OrderDBMaxElapsedSeconds float64 `koanf:"order_db_max_elapsed_seconds"`
}

// CustomerLostGrace, DeliveringWait, and ErrorRetryDelay convert this
// config's plain-float seconds fields (koanf has no native duration
// type) into time.Duration, the shape delivery.Config expects.
func (c Config) CustomerLostGrace() time.Duration {
	return time.Duration(c.CustomerLostGraceSeconds * float64(time.Second))
}

func (c Config) DeliveringWait() time.Duration {
	return time.Duration(c.DeliveringWaitSeconds * float64(time.Second))
}

func (c Config) ErrorRetryDelay() time.Duration {
	return time.Duration(c.ErrorRetryDelaySeconds * float64(time.Second))
}

func (c Config) OrderDBMaxElapsed() time.Duration {
	return time.Duration(c.OrderDBMaxElapsedSeconds * float64(time.Second))
}

// Default returns the stock configuration: home at the origin,
// warehouse at (5, 3), 0.10m position tolerance, 0.50m customer
// approach tolerance, 0.30m obstacle clearance, and a max of 3 recovery
// attempts.
func Default() Config {
	return Config{
		Home:                      Pose{X: 0, Y: 0, Theta: 0},
		Warehouse:                 Pose{X: 5, Y: 3, Theta: 0},
		PositionTolerance:         0.10,
		CustomerApproachTolerance: 0.50,
		ObstacleClearance:         0.30,
		DeliveryZoneRadius:        3.0,
		LinearPID:                 PIDGains{Kp: 1.2, Ki: 0.05, Kd: 0.1},
		AngularPID:                PIDGains{Kp: 2.0, Ki: 0.0, Kd: 0.2},
		ParticleCount:             500,
		TickRateHz:                10.0,
		ScanRateHz:                5.0,
		WheelBaseMetres:           0.35,
		WheelRadiusMetres:         0.05,
		TicksPerRev:               1440,
		SerialDevice:              "/dev/ttyUSB0",
		SerialBaud:                9600,
		ScanDevice:                "/dev/ttyUSB1",
		ScanBaud:                  115200,
		MapPath:                   "map.yml",
		CustomerLostGraceSeconds:  2.0,
		DeliveringWaitSeconds:     10.0,
		ErrorRetryDelaySeconds:    2.0,
		MaxRecoveryAttempts:       3,
		ResetWatchDir:             "./reset",
		TelemetryAddr:             ":8080",
		OrderDBURL:                "",
		OrderDBMaxElapsedSeconds:  5.0,
	}
}

// Load seeds a koanf instance with Default()'s values, then overlays
// path if it exists. A missing file is not an error; any other read or
// parse failure is.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			return Config{}, err
		}
	}
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes cfg out as YAML, the form mkconf uses to seed a fresh
// configuration file from the defaults. Keys are written under their
// koanf tag names, so Load reads the file back.
func Save(path string, cfg Config) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(k.Raw())
}
