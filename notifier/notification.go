package notifier

type Notification struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

// Channel carries notifications from the supervisor to a sink.
type Channel chan Notification

func NewChannel(size int) Channel {
	return make(Channel, size)
}

// Publish queues a notification without blocking. It reports false when the
// sink is behind and the notification was dropped.
func (c Channel) Publish(topic string, data interface{}) bool {
	select {
	case c <- Notification{Topic: topic, Data: data}:
		return true
	default:
		return false
	}
}
