package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"charge_point/actions"
	"charge_point/common"
	"charge_point/notifier"
)

const requestSubject = "request"

type natsChargePointNotifier struct {
	chargePointId string
	url           string
	notification  notifier.Channel            // operations of the charge point published to the operator
	connection    *nats.Conn                  // connection to NATS
	subscription  *nats.Subscription          // request/reply subscription
	handlers      map[string]actions.Function // operator actions
	timeout       time.Duration               // time to wait for a handler's response
	validate      *validator.Validate
	done          chan struct{}
}

func (ncp *natsChargePointNotifier) SetTimeout(timeout time.Duration) {
	ncp.timeout = timeout
}

func (ncp natsChargePointNotifier) Timeout() time.Duration {
	return ncp.timeout
}

func (ncp *natsChargePointNotifier) AddHandler(action string, fn actions.Function) {
	ncp.handlers[action] = fn
}

func (ncp *natsChargePointNotifier) SetChannel(notification notifier.Channel) {
	ncp.notification = notification
}

func (ncp *natsChargePointNotifier) subject(topic string) string {
	return "evse." + ncp.chargePointId + "." + topic
}

func (ncp *natsChargePointNotifier) notificationFromChargePoint() {
	for {
		select {
		case <-ncp.done:
			return
		case n := <-ncp.notification:
			bt, err := json.Marshal(n.Data)
			if err != nil {
				log.Error(err)
				continue
			}
			if err := ncp.connection.Publish(ncp.subject(n.Topic), bt); err != nil {
				log.WithField("topic", n.Topic).Warnf("couldn't publish notification: %v", err)
			}
		}
	}
}

func respondWith(response common.Response) []byte {
	bt, _ := json.Marshal(response)
	return bt
}

// handle runs one request/reply exchange and returns the encoded response.
func (ncp *natsChargePointNotifier) handle(data []byte) []byte {
	var command common.Command
	if err := json.Unmarshal(data, &command); err != nil || ncp.validate.Struct(&command) != nil {
		log.Errorf("invalid command: %s", data)
		return respondWith(common.Fail("command.format.not.valid", "The command is not valid"))
	}
	if command.ChargePointId != ncp.chargePointId {
		return respondWith(common.Fail("command.charge.point.not.found",
			fmt.Sprintf("This is charge point \"%v\", not \"%v\"", ncp.chargePointId, command.ChargePointId)))
	}
	fn, exists := ncp.handlers[command.Action]
	if !exists {
		return respondWith(common.Fail("command.action.not.found",
			fmt.Sprintf("The action \"%v\" does not exist", command.Action)))
	}

	responseChannel := make(chan common.Response, 1)
	payload, _ := json.Marshal(command.Payload)
	go fn(command.ChargePointId, payload, responseChannel)

	select {
	case response := <-responseChannel:
		bt := respondWith(response)
		log.Debugf("RequestHandler => Response, %v", string(bt))
		return bt
	case <-time.After(ncp.timeout):
		log.WithField("action", command.Action).Error("request timed out")
		return respondWith(common.Fail("request.timeout", "The request timed out"))
	}
}

// request/reply on the "request" subject
func (ncp *natsChargePointNotifier) requestHandler() error {
	sub, err := ncp.connection.Subscribe(requestSubject, func(m *nats.Msg) {
		log.Debugf("RequestHandler, %+v", string(m.Data))
		if err := m.Respond(ncp.handle(m.Data)); err != nil {
			log.Warnf("couldn't respond: %v", err)
		}
	})
	if err != nil {
		return err
	}
	ncp.subscription = sub
	return nil
}

func (ncp *natsChargePointNotifier) Start() error {
	nc, err := nats.Connect(ncp.url, nats.Name(ncp.chargePointId))
	if err != nil {
		return fmt.Errorf("connecting to nats at %v: %w", ncp.url, err)
	}
	ncp.connection = nc
	if err := ncp.requestHandler(); err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to %v: %w", requestSubject, err)
	}
	go ncp.notificationFromChargePoint()
	return nil
}

func (ncp *natsChargePointNotifier) Stop() {
	close(ncp.done)
	if ncp.subscription != nil {
		ncp.subscription.Unsubscribe()
	}
	if ncp.connection != nil {
		ncp.connection.Close()
		log.Info("NatsStopped")
	}
}

func New(url, chargePointId string) *natsChargePointNotifier {
	if url == "" {
		url = nats.DefaultURL
	}
	return &natsChargePointNotifier{
		chargePointId: chargePointId,
		url:           url,
		handlers:      make(map[string]actions.Function),
		timeout:       30 * time.Second,
		validate:      validator.New(),
		done:          make(chan struct{}),
	}
}
