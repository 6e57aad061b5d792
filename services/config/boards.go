package config

import "github.com/pkg/errors"

// Board presets compiled into the binary, keyed by board name.

const cfgPaz00 = `
ec:
  slave_address: 0x8a
  request_gpio: 170
  gpio_chip: /dev/gpiochip0
  probe_firmware: true
  system_events: [lid_switch, power_button]
backend:
  type: serial
  serial_port: /dev/ttyACM0
  baud_rate: 115200
monitor:
  enabled: true
  listen: ":8089"
`

const cfgSim = `
ec:
  slave_address: 0x8a
  pool_size: 16
  tx_timeout: 1s
  sync_timeout: 500ms
  heartbeat: 5s
backend:
  type: sim
monitor:
  enabled: true
  listen: "127.0.0.1:8089"
log:
  level: debug
  development: true
`

// BoardLookup resolves a preset by name. Tests may replace it.
var BoardLookup = func(name string) ([]byte, bool) {
	b, ok := boards[name]
	return b, ok
}

var boards = map[string][]byte{
	"paz00": []byte(cfgPaz00),
	"sim":   []byte(cfgSim),
}

// ForBoard parses the preset for name.
func ForBoard(name string) (Config, error) {
	raw, ok := BoardLookup(name)
	if !ok || len(raw) == 0 {
		return Config{}, errors.Errorf("no preset for board %q", name)
	}
	return Parse(raw)
}
