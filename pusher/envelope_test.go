package pusher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestEnvelopeOmitsEmptyData(t *testing.T) {
	raw, err := json.Marshal(&requestEnvelope{ID: 0, URL: "load_layout"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":0,"url":"load_layout"}`, string(raw))

	raw, err = json.Marshal(&requestEnvelope{ID: 3, URL: "save", Data: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"url":"save","data":{"a":1}}`, string(raw))
}

func TestDecodeInboundResponse(t *testing.T) {
	resp, bcast, err := decodeInbound([]byte(`{"id":42,"data":{"ok":true}}`))
	require.NoError(t, err)
	require.Nil(t, bcast)
	require.NotNil(t, resp)
	assert.Equal(t, uint64(42), resp.ID)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Data))
}

func TestDecodeInboundBroadcast(t *testing.T) {
	resp, bcast, err := decodeInbound([]byte(`{"id":"mod","data":{"slider":5,"graph":{"x":1}}}`))
	require.NoError(t, err)
	require.Nil(t, resp)
	require.NotNil(t, bcast)
	assert.Equal(t, BroadcastSilent, bcast.Mode)
	assert.JSONEq(t, `5`, string(bcast.Data["slider"]))
	assert.JSONEq(t, `{"x":1}`, string(bcast.Data["graph"]))

	_, bcast, err = decodeInbound([]byte(`{"id":"mod_n","data":{}}`))
	require.NoError(t, err)
	require.NotNil(t, bcast)
	assert.Equal(t, BroadcastNotify, bcast.Mode)
}

func TestDecodeInboundErrors(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":       `{`,
		"missing id":     `{"data":1}`,
		"unknown mode":   `{"id":"mod_x","data":{}}`,
		"negative id":    `{"id":-1,"data":1}`,
		"fractional id":  `{"id":1.5,"data":1}`,
		"bad bcast data": `{"id":"mod","data":[1,2]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := decodeInbound([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestHasChildren(t *testing.T) {
	assert.True(t, hasChildren(json.RawMessage(`{"children":[{"id":"inner"}]}`)))
	assert.True(t, hasChildren(json.RawMessage(`{"props":{},"children":{}}`)))
	assert.False(t, hasChildren(json.RawMessage(`{"children":null}`)))
	assert.False(t, hasChildren(json.RawMessage(`{"value":5}`)))
	assert.False(t, hasChildren(json.RawMessage(`5`)))
	assert.False(t, hasChildren(json.RawMessage(`"children"`)))
	assert.False(t, hasChildren(json.RawMessage(`[1,2,3]`)))
}

func TestBroadcastModeString(t *testing.T) {
	assert.Equal(t, "mod", BroadcastSilent.String())
	assert.Equal(t, "mod_n", BroadcastNotify.String())
}
