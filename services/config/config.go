// Package config loads the daemon configuration: a YAML file, or one of
// the board presets compiled into the binary.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"nvec-go/errcode"
	"nvec-go/protocol"
	"nvec-go/x/mathx"
)

const (
	BackendSim    = "sim"
	BackendSerial = "serial"
)

type Config struct {
	EC      EC      `yaml:"ec"`
	Backend Backend `yaml:"backend"`
	Monitor Monitor `yaml:"monitor"`
	Log     Log     `yaml:"log"`
}

// EC holds the platform parameters of the link.
type EC struct {
	SlaveAddress   uint8         `yaml:"slave_address"` // 8-bit, as seen on the wire
	RequestGPIO    int           `yaml:"request_gpio"`
	GPIOChip       string        `yaml:"gpio_chip"`
	RequestActHigh bool          `yaml:"request_active_high"`
	Clock          string        `yaml:"clock"`
	PoolSize       int           `yaml:"pool_size"`
	TxTimeout      time.Duration `yaml:"tx_timeout"`
	SyncTimeout    time.Duration `yaml:"sync_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"` // 0 disables
	ProbeFirmware  bool          `yaml:"probe_firmware"`
	SystemEvents   []string      `yaml:"system_events"`
}

type Backend struct {
	Type       string `yaml:"type"`
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
}

type Monitor struct {
	Enabled bool     `yaml:"enabled"`
	Listen  string   `yaml:"listen"`
	Types   []string `yaml:"types"` // empty means every type
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

const (
	minPool = 4
	maxPool = 256
)

// Default returns the settings used for anything a file leaves out.
func Default() Config {
	return Config{
		EC: EC{
			SlaveAddress:  0x8a,
			RequestGPIO:   170,
			GPIOChip:      "/dev/gpiochip0",
			Clock:         "i2c-slave",
			PoolSize:      64,
			TxTimeout:     5 * time.Second,
			SyncTimeout:   2 * time.Second,
			Heartbeat:     30 * time.Second,
			ProbeFirmware: true,
		},
		Backend: Backend{Type: BackendSim, BaudRate: 115200},
		Monitor: Monitor{Listen: ":8089"},
		Log:     Log{Level: "info"},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the transport cannot run with.
func (c Config) Validate() error {
	bad := func(msg string) error { return errcode.Wrap(errcode.InvalidConfig, "config", msg) }

	if c.EC.SlaveAddress == 0 || c.EC.SlaveAddress&1 != 0 {
		return bad("ec.slave_address must be a non-zero 8-bit write address")
	}
	if !mathx.Between(c.EC.PoolSize, minPool, maxPool) {
		return bad("ec.pool_size out of range")
	}
	if c.EC.TxTimeout <= 0 || c.EC.SyncTimeout <= 0 {
		return bad("ec timeouts must be positive")
	}
	if c.EC.Heartbeat < 0 {
		return bad("ec.heartbeat must not be negative")
	}
	if _, err := c.SystemEventMask(); err != nil {
		return err
	}
	if _, err := c.MonitorMask(); err != nil {
		return err
	}
	switch c.Backend.Type {
	case BackendSim:
	case BackendSerial:
		if c.Backend.SerialPort == "" {
			return bad("backend.serial_port required for serial backend")
		}
		if c.Backend.BaudRate <= 0 {
			return bad("backend.baud_rate must be positive")
		}
	default:
		return bad("backend.type must be sim or serial")
	}
	if c.Monitor.Enabled && c.Monitor.Listen == "" {
		return bad("monitor.listen required when the monitor is enabled")
	}
	return nil
}

// Address7 is the slave address in the 7-bit form the controller takes.
func (c EC) Address7() uint8 { return c.SlaveAddress >> 1 }

var systemEvents = map[string]uint32{
	"lid_switch":   protocol.SysEventLidSwitch,
	"power_button": protocol.SysEventPowerButton,
}

// SystemEventMask folds ec.system_events into the SYS reporting mask.
func (c Config) SystemEventMask() (uint32, error) {
	var m uint32
	for _, name := range c.EC.SystemEvents {
		bit, ok := systemEvents[name]
		if !ok {
			return 0, errcode.Wrap(errcode.InvalidConfig, "config", "unknown system event "+name)
		}
		m |= bit
	}
	return m, nil
}

// MonitorMask converts monitor.types into a notifier mask.
func (c Config) MonitorMask() (protocol.Mask, error) {
	if len(c.Monitor.Types) == 0 {
		return protocol.MaskAll, nil
	}
	var m protocol.Mask
	for _, name := range c.Monitor.Types {
		t, ok := protocol.ParseType(name)
		if !ok {
			return 0, errcode.Wrap(errcode.InvalidConfig, "config", "unknown message type "+name)
		}
		m |= protocol.MaskOf(t)
	}
	return m, nil
}
