package sight

import (
	"errors"
	"testing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
)

func TestMockClient_ConnectAndPublish(t *testing.T) {
	client := NewMockClient()

	token := client.Publish("a/b", 0, false, []byte("x"))
	assert.ErrorIs(t, token.Error(), mqtt.ErrNotConnected)

	assert.NoError(t, client.Connect().Error())
	assert.True(t, client.IsConnectionOpen())

	assert.NoError(t, client.Publish("a/b", 1, true, "hello").Error())
	msgs := client.PublishedMessages()
	assert.Len(t, msgs, 1)
	assert.Equal(t, MockMessage{Topic: "a/b", Payload: []byte("hello"), QoS: 1, Retain: true}, msgs[0])

	client.Disconnect(0)
	assert.False(t, client.IsConnected())
}

func TestMockClient_Errors(t *testing.T) {
	client := NewMockClient()
	client.SetConnectError(errors.New("refused"))
	assert.EqualError(t, client.Connect().Error(), "refused")
	assert.False(t, client.IsConnected())

	client.SetConnected(true)
	client.SetPublishError(errors.New("quota"))
	assert.EqualError(t, client.Publish("t", 0, false, []byte{}).Error(), "quota")
}

func TestMockClient_SubscribeAndRoute(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)

	var got []string
	handler := func(_ mqtt.Client, msg mqtt.Message) { got = append(got, msg.Topic()) }

	assert.NoError(t, client.Subscribe("s/+/pose", 0, handler).Error())
	assert.NoError(t, client.SubscribeMultiple(map[string]byte{"all/#": 0}, handler).Error())

	assert.Equal(t, 1, client.SimulateMessage("s/abc/pose", nil))
	assert.Equal(t, 1, client.SimulateMessage("all/x/y", nil))
	assert.Equal(t, 0, client.SimulateMessage("s/abc/nmea", nil))
	assert.Equal(t, []string{"s/abc/pose", "all/x/y"}, got)

	client.Unsubscribe("s/+/pose")
	assert.Equal(t, 0, client.SimulateMessage("s/abc/pose", nil))
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/#", "a/b/c", true},
		{"#", "anything/at/all", true},
		{"a/+", "a/b/c", false},
		{"a/b/c", "a/b", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TopicMatches(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}
