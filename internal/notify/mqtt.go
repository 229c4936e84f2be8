package notify

import (
	"encoding/json"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stapelberg/hmcentral/internal/logging"
)

// MQTTSink publishes events below a topic prefix, e.g.
// hmcentral/MEQ0089016/1/value-changed. Value changes are retained so
// that new subscribers see the last known state.
type MQTTSink struct {
	client mqtt.Client
	prefix string
}

func NewMQTTSink(broker, clientID, prefix string) *MQTTSink {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logging.L().Infof("connected to MQTT broker %s", broker)
	})
	client := mqtt.NewClient(opts)
	logging.L().Infof("connecting to MQTT broker %s", broker)
	client.Connect()
	return &MQTTSink{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// Topic returns the topic ev is published on.
func (s *MQTTSink) Topic(ev Event) string {
	return s.prefix + "/" + strings.ReplaceAll(ev.Address, ":", "/") + "/" + string(ev.Kind)
}

func (s *MQTTSink) Publish(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		logging.L().Errorf("encoding event %s: %v", ev.ID, err)
		return
	}
	// Not waiting for the token: Publish must not block the device.
	s.client.Publish(s.Topic(ev), 0, ev.Kind == ValueChanged, b)
}

func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
