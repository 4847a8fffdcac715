package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuth(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"auth","token":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, AuthMessage{Token: "abc"}, msg)

	_, err = ParseClientMessage([]byte(`{"type":"auth"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseSubscribe(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{
		"type": "subscribe",
		"topics": ["price:BTC", "orderbook:ETH"],
		"options": {"depth": 10, "interval_seconds": 30}
	}`))
	require.NoError(t, err)

	sub, ok := msg.(SubscribeMessage)
	require.True(t, ok)
	assert.Equal(t, []string{"price:BTC", "orderbook:ETH"}, sub.Topics)
	assert.Equal(t, 10, sub.Options.Depth)
	assert.Equal(t, 30*time.Second, sub.Options.Interval)
}

func TestParseSubscribeRequiresTopics(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"subscribe","topics":[]}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParseUnsubscribe(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"unsubscribe","topics":["price:BTC"]}`))
	require.NoError(t, err)
	assert.Equal(t, UnsubscribeMessage{Topics: []string{"price:BTC"}}, msg)
}

func TestParseSetupAlert(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{
		"type": "setup_alert",
		"alert": {"kind": "PRICE", "scope": "BTC", "condition": "above", "threshold": 50000}
	}`))
	require.NoError(t, err)

	setup, ok := msg.(SetupAlertMessage)
	require.True(t, ok)
	assert.Equal(t, "create", setup.Action, "action defaults to create")
	assert.Equal(t, "PRICE", setup.Alert.Kind)
	assert.Equal(t, 50000.0, setup.Alert.Threshold)
}

func TestParseSetupAlertRearm(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"setup_alert","action":"rearm","alert_id":"a1"}`))
	require.NoError(t, err)
	assert.Equal(t, SetupAlertMessage{Action: "rearm", AlertID: "a1"}, msg)

	_, err = ParseClientMessage([]byte(`{"type":"setup_alert","action":"rearm"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = ParseClientMessage([]byte(`{"type":"setup_alert","action":"explode"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestParsePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, PingMessage{}, msg)
}

func TestParseUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"teleport"}`))

	var unknown *UnknownTypeError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "teleport", unknown.Type)
}

func TestParseGarbage(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{{{`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = ParseClientMessage([]byte(`{"token":"abc"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
