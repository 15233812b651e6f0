package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.False(t, cfg.Relay.Enabled)
	assert.False(t, cfg.PLC.Enabled)
	assert.Equal(t, "relaygate", cfg.MQTT.ClientID)
	assert.True(t, cfg.API.Enabled)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Namespace = "plant7"
	cfg.Relay.Enabled = true
	cfg.Relay.Port = "/dev/ttyUSB0"
	cfg.PLC.Enabled = true
	cfg.PLC.Address = "192.168.0.10"
	cfg.PLC.StatusArea = AreaConfig{DBNumber: 1, ByteLength: 2}
	cfg.PLC.ControlArea = AreaConfig{DBNumber: 2, ByteLength: 2}

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "plant7", loaded.Namespace)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Relay.Port)
	assert.Equal(t, 2, loaded.PLC.ControlArea.DBNumber)

	// File lands where requested with the directory created.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestPollIntervalFloor(t *testing.T) {
	p := &PLCConfig{PollIntervalMS: 10}
	assert.Equal(t, MinPollInterval, p.PollInterval())

	p.PollIntervalMS = 0
	assert.Equal(t, MinPollInterval, p.PollInterval())

	p.PollIntervalMS = 250
	assert.Equal(t, 250*time.Millisecond, p.PollInterval())
}

func TestRelayTimeoutDefault(t *testing.T) {
	r := &RelayConfig{}
	assert.Equal(t, time.Second, r.Timeout())

	r.TimeoutMS = 200
	assert.Equal(t, 200*time.Millisecond, r.Timeout())
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	cfg := DefaultConfig()
	// Relay and PLC are disabled with empty ports and addresses.
	assert.NoError(t, cfg.Validate())
}

func TestValidateEnabledRelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Relay.Enabled = true
	assert.Error(t, cfg.Validate()) // no port

	cfg.Relay.Port = "/dev/ttyUSB0"
	cfg.Relay.Parity = "X"
	assert.Error(t, cfg.Validate())

	cfg.Relay.Parity = "E"
	assert.NoError(t, cfg.Validate())

	var cfgErr *Error
	cfg.Relay.SlaveAddress = 0
	assert.ErrorAs(t, cfg.Validate(), &cfgErr)
	assert.Equal(t, "relay", cfgErr.Section)
}

func TestValidateEnabledPLC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PLC.Enabled = true
	cfg.PLC.Address = "192.168.0.10"
	assert.Error(t, cfg.Validate()) // zero-length areas

	cfg.PLC.StatusArea = AreaConfig{DBNumber: 1, ByteLength: 2}
	cfg.PLC.ControlArea = AreaConfig{DBNumber: 2, ByteLength: 2}
	assert.NoError(t, cfg.Validate())
}

func TestValidateMQTT(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.QoS = 3
	assert.Error(t, cfg.Validate())

	cfg.MQTT.QoS = 1
	cfg.MQTT.ClientID = ""
	assert.Error(t, cfg.Validate())
}

func TestAreaBits(t *testing.T) {
	assert.Equal(t, 16, AreaConfig{ByteLength: 2}.Bits())
	assert.Equal(t, 0, AreaConfig{}.Bits())
}
