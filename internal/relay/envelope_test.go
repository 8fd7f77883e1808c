package relay

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope_SingleDestination(t *testing.T) {
	env, err := DecodeEnvelope([]byte(` {"from":"a","to":"b","payload":{"action":"ping"}} `))
	require.NoError(t, err)

	assert.Equal(t, "a", env.From)
	to, ok := env.To.Single()
	require.True(t, ok)
	assert.Equal(t, "b", to)
	assert.True(t, env.HasPayload())
}

func TestDecodeEnvelope_ListDestination(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"to":["x","y"],"payload":{"action":"a"}}`))
	require.NoError(t, err)

	ids, ok := env.To.List()
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, ids)

	_, single := env.To.Single()
	assert.False(t, single, "an array is never a single destination")
}

func TestDecodeEnvelope_AbsentAndNullDestination(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"payload":{"action":"a"}}`))
	require.NoError(t, err)
	assert.True(t, env.To.IsZero())

	env, err = DecodeEnvelope([]byte(`{"to":null,"payload":{"action":"a"}}`))
	require.NoError(t, err)
	assert.True(t, env.To.IsZero())
}

func TestDecodeEnvelope_InvalidToShape(t *testing.T) {
	for _, frame := range []string{
		`{"to":5,"payload":{}}`,
		`{"to":{"id":"x"},"payload":{}}`,
		`{"to":[1,2],"payload":{}}`,
	} {
		_, err := DecodeEnvelope([]byte(frame))
		assert.ErrorIs(t, err, errInvalidTo, "frame %s", frame)
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"from":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, errInvalidTo)
}

func TestEnvelope_HasPayload(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"from":"a"}`))
	require.NoError(t, err)
	assert.False(t, env.HasPayload())

	env, err = DecodeEnvelope([]byte(`{"payload":null}`))
	require.NoError(t, err)
	assert.False(t, env.HasPayload())
}

func TestEncodeEnvelope_BroadcastOmitsTo(t *testing.T) {
	frame, err := EncodeEnvelope(&Envelope{From: ServerIdentity, Payload: json.RawMessage(`{"action":"a"}`)})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &raw))
	_, present := raw["to"]
	assert.False(t, present, "broadcast envelopes carry no to field")
}

func TestEncodeEnvelope_SingleDestinationWireForm(t *testing.T) {
	frame, err := EncodeEnvelope(&Envelope{To: To("abc"), Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"to":"abc"`)

	frame, err = EncodeEnvelope(&Envelope{To: ToList("abc"), Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"to":["abc"]`)
}

func TestEnvelope_PayloadPassesThroughVerbatim(t *testing.T) {
	payload := `{"action":"get_players","data":{"players":["a","b"],"max":20}}`
	env, err := DecodeEnvelope([]byte(`{"from":"s","payload":` + payload + `}`))
	require.NoError(t, err)

	frame, err := EncodeEnvelope(env)
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, json.Unmarshal(frame, &out))
	assert.JSONEq(t, payload, string(out.Payload))
}
