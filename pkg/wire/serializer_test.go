package wire_test

import (
	"testing"

	"github.com/hamicek/noex-sub011/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameUnframe_RoundTrip(t *testing.T) {
	payload := []byte("hello world")
	framed := wire.Frame(payload)

	got, consumed, err := wire.Unframe(framed)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, len(framed), consumed)
}

func TestUnframe_PartialFrame(t *testing.T) {
	framed := wire.Frame([]byte("hello"))
	got, consumed, err := wire.Unframe(framed[:len(framed)-1])
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, consumed)
}

func TestUnframe_TooShortForLength(t *testing.T) {
	got, consumed, err := wire.Unframe([]byte{0, 0})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, consumed)
}

func TestUnframe_ZeroLengthRejected(t *testing.T) {
	_, _, err := wire.Unframe([]byte{0, 0, 0, 0})
	assert.Error(t, err)
}

func TestUnframe_OversizeRejected(t *testing.T) {
	buf := make([]byte, 4)
	buf[0] = 0xFF
	buf[1] = 0xFF
	buf[2] = 0xFF
	buf[3] = 0xFF
	_, _, err := wire.Unframe(buf)
	assert.Error(t, err)
}

func TestUnframe_SequentialFrames(t *testing.T) {
	a := wire.Frame([]byte("first"))
	b := wire.Frame([]byte("second"))
	combined := append(append([]byte{}, a...), b...)

	got1, n1, err := wire.Unframe(combined)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got1)

	got2, n2, err := wire.Unframe(combined[n1:])
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got2)
	assert.Equal(t, len(combined), n1+n2)
}

func TestSerializeDeserialize_RoundTrip(t *testing.T) {
	msg := wire.ClusterMessage{
		Kind: wire.KindHeartbeat,
		Heartbeat: &wire.HeartbeatMsg{
			ProcessCount: 3,
			UptimeMs:     1000,
		},
	}

	data, err := wire.Serialize(msg, "node1@127.0.0.1:4369", 12345, nil)
	require.NoError(t, err)

	env, err := wire.Deserialize(data, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(wire.ProtocolVersion), env.Version)
	assert.Equal(t, "node1@127.0.0.1:4369", env.From)
	assert.Equal(t, uint64(12345), env.Timestamp)
	require.NotNil(t, env.Payload.Heartbeat)
	assert.Equal(t, 3, env.Payload.Heartbeat.ProcessCount)
}

func TestSerializeDeserialize_HMACRequired(t *testing.T) {
	secret := []byte("cluster-secret")
	msg := wire.ClusterMessage{Kind: wire.KindHeartbeat, Heartbeat: &wire.HeartbeatMsg{}}

	data, err := wire.Serialize(msg, "n@h:1", 1, secret)
	require.NoError(t, err)

	// Correct secret accepted.
	_, err = wire.Deserialize(data, secret)
	require.NoError(t, err)

	// Wrong secret rejected.
	_, err = wire.Deserialize(data, []byte("wrong"))
	assert.Error(t, err)

	// Missing expected HMAC rejected: serialize without secret, but
	// deserialize expecting one.
	plain, err := wire.Serialize(msg, "n@h:1", 1, nil)
	require.NoError(t, err)
	_, err = wire.Deserialize(plain, secret)
	assert.Error(t, err)
}

func TestDeserialize_UnknownVersionRejected(t *testing.T) {
	msg := wire.ClusterMessage{Kind: wire.KindHeartbeat, Heartbeat: &wire.HeartbeatMsg{}}
	data, err := wire.Serialize(msg, "n@h:1", 1, nil)
	require.NoError(t, err)

	// Tamper with the version byte inside the JSON document.
	tampered := []byte(`{"version":99,"from":"n@h:1","timestamp":1,"payload":{"kind":"heartbeat","heartbeat":{"process_count":0,"uptime_ms":0}}}`)
	_, err = wire.Deserialize(tampered, nil)
	assert.Error(t, err)
	_ = data
}

func TestValidatePayload(t *testing.T) {
	assert.NoError(t, wire.ValidatePayload(nil))
	assert.NoError(t, wire.ValidatePayload(42))
	assert.NoError(t, wire.ValidatePayload("hi"))
	assert.NoError(t, wire.ValidatePayload(3.14))
	assert.NoError(t, wire.ValidatePayload([]byte("buf")))
	assert.NoError(t, wire.ValidatePayload(map[string]interface{}{"a": 1, "b": []interface{}{1, 2, 3}}))

	assert.Error(t, wire.ValidatePayload(func() {}))
	assert.Error(t, wire.ValidatePayload(map[int]string{1: "x"}))

	type cyclic struct {
		Self *cyclic
	}
	c := &cyclic{}
	c.Self = c
	assert.Error(t, wire.ValidatePayload(c))

	cyclicMap := map[string]interface{}{}
	cyclicMap["self"] = cyclicMap
	assert.Error(t, wire.ValidatePayload(cyclicMap))
}
