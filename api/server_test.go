package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaygate/config"
	"relaygate/gateway"
	"relaygate/relay"
)

type fakeRelay struct {
	enabled  bool
	states   [relay.ChannelCount]bool
	readErr  error
	writeErr error
}

func (f *fakeRelay) Enabled() bool { return f.enabled }

func (f *fakeRelay) ReadAllChannels() ([relay.ChannelCount]bool, error) {
	return f.states, f.readErr
}

func (f *fakeRelay) SetChannelState(channel int, on bool) error {
	if channel < 1 || channel > relay.ChannelCount {
		return &relay.ArgumentError{Param: "channel", Reason: "out of range"}
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.states[channel-1] = on
	return nil
}

func (f *fakeRelay) SetAllChannels(states []bool) error {
	if len(states) != relay.ChannelCount {
		return &relay.ArgumentError{Param: "states", Reason: "wrong length"}
	}
	copy(f.states[:], states)
	return nil
}

type fakePlc struct {
	enabled bool
	state   gateway.State
	status  []byte
	bits    []bool
	bitErr  error
}

func (f *fakePlc) Enabled() bool        { return f.enabled }
func (f *fakePlc) State() gateway.State { return f.state }
func (f *fakePlc) ReadStatus() []byte   { return f.status }

func (f *fakePlc) WriteControlBit(bitIndex int, value bool) error {
	if bitIndex < 0 || bitIndex >= 16 {
		return &gateway.ArgumentError{Param: "bitIndex", Reason: "out of range"}
	}
	return f.bitErr
}

func (f *fakePlc) WriteControlBits(values []bool) error {
	f.bits = values
	return nil
}

func newTestServer(rc *fakeRelay, pc *fakePlc) *Server {
	return NewServer(&config.APIConfig{Enabled: true}, "plant7", rc, pc)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(&fakeRelay{enabled: true}, &fakePlc{enabled: true, state: gateway.Connected})

	rec := doRequest(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "plant7", resp["namespace"])
	assert.Equal(t, true, resp["relay_enabled"])
	assert.Equal(t, "Connected", resp["plc_state"])
}

func TestGetChannels(t *testing.T) {
	rc := &fakeRelay{enabled: true}
	rc.states[0] = true
	rc.states[7] = true
	s := newTestServer(rc, &fakePlc{})

	rec := doRequest(t, s, http.MethodGet, "/api/relay/channels", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Channels []bool `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []bool{true, false, false, false, false, false, false, true}, resp.Channels)
}

func TestSetChannel(t *testing.T) {
	rc := &fakeRelay{enabled: true}
	s := newTestServer(rc, &fakePlc{})

	rec := doRequest(t, s, http.MethodPut, "/api/relay/channels/3", `{"on":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rc.states[2])
}

func TestSetChannelBadArgument(t *testing.T) {
	s := newTestServer(&fakeRelay{enabled: true}, &fakePlc{})

	rec := doRequest(t, s, http.MethodPut, "/api/relay/channels/9", `{"on":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPut, "/api/relay/channels/x", `{"on":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetAllChannels(t *testing.T) {
	rc := &fakeRelay{enabled: true}
	s := newTestServer(rc, &fakePlc{})

	rec := doRequest(t, s, http.MethodPut, "/api/relay/channels",
		`{"channels":[true,false,true,false,false,true,false,true]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, rc.states[0])
	assert.True(t, rc.states[5])

	rec = doRequest(t, s, http.MethodPut, "/api/relay/channels", `{"channels":[true]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	rc := &fakeRelay{enabled: false, readErr: relay.ErrDisabled}
	s := newTestServer(rc, &fakePlc{})

	rec := doRequest(t, s, http.MethodGet, "/api/relay/channels", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rc.readErr = &relay.TimeoutError{Op: "read"}
	rec = doRequest(t, s, http.MethodGet, "/api/relay/channels", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rc.readErr = &relay.ProtocolError{Reason: "crc"}
	rec = doRequest(t, s, http.MethodGet, "/api/relay/channels", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPlcStatus(t *testing.T) {
	pc := &fakePlc{enabled: true, state: gateway.Connected, status: []byte{0x80, 0x00}}
	s := newTestServer(&fakeRelay{}, pc)

	rec := doRequest(t, s, http.MethodGet, "/api/plc/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Connected", resp["state"])
	assert.Equal(t, true, resp["reachable"])
	assert.Equal(t, "80 00", resp["hex"])
}

func TestPlcControlBits(t *testing.T) {
	pc := &fakePlc{enabled: true}
	s := newTestServer(&fakeRelay{}, pc)

	rec := doRequest(t, s, http.MethodPost, "/api/plc/control", `{"bits":"1010"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true, false, true, false}, pc.bits)

	rec = doRequest(t, s, http.MethodPost, "/api/plc/control", `{"bits":"10x0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/plc/control", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlcControlSingleBit(t *testing.T) {
	pc := &fakePlc{enabled: true}
	s := newTestServer(&fakeRelay{}, pc)

	rec := doRequest(t, s, http.MethodPost, "/api/plc/control", `{"bit":3,"value":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/plc/control", `{"bit":99,"value":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisabledServerStart(t *testing.T) {
	s := NewServer(&config.APIConfig{Enabled: false}, "plant7", &fakeRelay{}, &fakePlc{})
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}
