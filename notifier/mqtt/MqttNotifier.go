package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"charge_point/notifier"
)

// Notifier publishes charge point notifications to an MQTT broker under
// evse/<chargePointId>/<topic>.
type Notifier struct {
	client        mqtt.Client
	chargePointId string
	notification  notifier.Channel
	log           *logrus.Entry
	done          chan struct{}
}

func New(broker, clientID, chargePointId string, log *logrus.Logger) *Notifier {
	n := &Notifier{
		chargePointId: chargePointId,
		log:           log.WithField("component", "mqtt_notifier"),
		done:          make(chan struct{}),
	}
	if clientID == "" {
		clientID = chargePointId
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(1 * time.Second).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(10 * time.Second).
		SetCleanSession(true)
	opts.SetOnConnectHandler(n.onConnect)
	opts.SetConnectionLostHandler(n.onConnectionLost)
	n.client = mqtt.NewClient(opts)
	return n
}

func (n *Notifier) SetChannel(notification notifier.Channel) {
	n.notification = notification
}

func (n *Notifier) onConnect(client mqtt.Client) {
	n.log.Info("connected to MQTT broker")
}

func (n *Notifier) onConnectionLost(client mqtt.Client, err error) {
	n.log.Errorf("connection lost, reconnecting: %v", err)
}

func Topic(chargePointId, topic string) string {
	return fmt.Sprintf("evse/%s/%s", chargePointId, topic)
}

func (n *Notifier) Start() error {
	if token := n.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	go n.publishLoop()
	return nil
}

func (n *Notifier) publishLoop() {
	for {
		select {
		case <-n.done:
			return
		case note := <-n.notification:
			n.publish(note)
		}
	}
}

func (n *Notifier) publish(note notifier.Notification) {
	payload, err := json.Marshal(note.Data)
	if err != nil {
		n.log.Errorf("couldn't encode %v notification: %v", note.Topic, err)
		return
	}
	token := n.client.Publish(Topic(n.chargePointId, note.Topic), 1, false, payload)
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		n.log.WithField("topic", note.Topic).Warnf("couldn't publish notification: %v", token.Error())
	}
}

func (n *Notifier) Stop() {
	close(n.done)
	if n.client.IsConnected() {
		n.client.Disconnect(250)
		n.log.Info("MQTT client disconnected")
	}
}
