package actions

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"charge_point/audit"
	"charge_point/common"
	"charge_point/session"
	"charge_point/supervisor"
)

const (
	FORCE_STOP    = "force.stop"
	CURRENT_STATE = "current.state"
	AUDIT_TRAIL   = "audit.trail"
	SENSOR_PLUG   = "sensor.plug"
	SENSOR_TAG    = "sensor.tag"
)

func logDefault(chargePointId string, action string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"client": chargePointId, "message": action})
}

type Function func(string, []byte, chan common.Response)

type Station interface {
	ForceStop(reason string) int
	ForceStopConnector(connectorID int, reason string) (bool, error)
	CurrentState() supervisor.Status
}

type Trail interface {
	Records() ([]audit.Record, error)
}

// Sensor is the simulated hardware an operator can drive remotely.
type Sensor interface {
	SetPlugState(connectorID int, plug session.PlugState) bool
	PresentTag(tag string)
}

type forceStopRequest struct {
	ConnectorId *int   `json:"connectorId" validate:"omitempty,gte=1"`
	Reason      string `json:"reason" validate:"max=100"`
}

type plugRequest struct {
	ConnectorId int  `json:"connectorId" validate:"gte=1"`
	Plugged     bool `json:"plugged"`
}

type tagRequest struct {
	IdTag string `json:"idTag" validate:"required,max=20"`
}

type OperatorActions struct {
	station  Station
	trail    Trail
	sensor   Sensor
	validate *validator.Validate
}

func InitializeOperatorActions(station Station, trail Trail, sensor Sensor) OperatorActions {
	return OperatorActions{
		station:  station,
		trail:    trail,
		sensor:   sensor,
		validate: validator.New(),
	}
}

// Handlers maps every operator action to its handler. Sensor actions are
// only offered when a sensor is wired.
func (this *OperatorActions) Handlers() map[string]Function {
	handlers := map[string]Function{
		FORCE_STOP:    this.ForceStop,
		CURRENT_STATE: this.CurrentState,
		AUDIT_TRAIL:   this.AuditTrail,
	}
	if this.sensor != nil {
		handlers[SENSOR_PLUG] = this.SensorPlug
		handlers[SENSOR_TAG] = this.SensorTag
	}
	return handlers
}

func (this *OperatorActions) decode(payload []byte, request interface{}) error {
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, request); err != nil {
			return err
		}
	}
	return this.validate.Struct(request)
}

func (this *OperatorActions) ForceStop(chargePointID string, payload []byte, responseChannel chan common.Response) {
	request := &forceStopRequest{}
	if err := this.decode(payload, request); err != nil {
		logDefault(chargePointID, FORCE_STOP).Warnf("invalid payload: %v", err)
		responseChannel <- common.Fail("command.force.stop.payload.not.valid", "Invalid fields to force stop sessions.")
		return
	}
	reason := request.Reason
	if reason == "" {
		reason = "operator request"
	}

	if request.ConnectorId == nil {
		n := this.station.ForceStop(reason)
		logDefault(chargePointID, FORCE_STOP).Infof("%v session(s) aborted", n)
		responseChannel <- common.Response{Payload: map[string]interface{}{"aborted": n}}
		return
	}

	stopped, err := this.station.ForceStopConnector(*request.ConnectorId, reason)
	if err != nil {
		responseChannel <- common.Fail("command.force.stop.connector.not.found",
			fmt.Sprintf("Connector %v does not exist.", *request.ConnectorId))
		return
	}
	aborted := 0
	if stopped {
		aborted = 1
	}
	responseChannel <- common.Response{Payload: map[string]interface{}{"aborted": aborted}}
}

func (this *OperatorActions) CurrentState(chargePointID string, payload []byte, responseChannel chan common.Response) {
	responseChannel <- common.Response{Payload: this.station.CurrentState()}
}

func (this *OperatorActions) AuditTrail(chargePointID string, payload []byte, responseChannel chan common.Response) {
	records, err := this.trail.Records()
	if err != nil {
		logDefault(chargePointID, AUDIT_TRAIL).Errorf("couldn't read trail: %v", err)
		responseChannel <- common.Fail("command.audit.trail.not.readable", "The audit trail could not be read.")
		return
	}
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, r.Line())
	}
	responseChannel <- common.Response{Payload: map[string]interface{}{
		"header":  audit.Header,
		"records": lines,
	}}
}

func (this *OperatorActions) SensorPlug(chargePointID string, payload []byte, responseChannel chan common.Response) {
	request := &plugRequest{}
	if err := this.decode(payload, request); err != nil {
		responseChannel <- common.Fail("command.sensor.plug.payload.not.valid", "Invalid fields to change the plug state.")
		return
	}
	plug := session.Unplugged
	if request.Plugged {
		plug = session.Plugged
	}
	if !this.sensor.SetPlugState(request.ConnectorId, plug) {
		responseChannel <- common.Fail("command.sensor.plug.connector.not.found",
			fmt.Sprintf("Connector %v does not exist.", request.ConnectorId))
		return
	}
	logDefault(chargePointID, SENSOR_PLUG).Infof("connector %v %v", request.ConnectorId, plug)
	responseChannel <- common.Response{Payload: map[string]interface{}{"connectorId": request.ConnectorId, "plug": plug}}
}

func (this *OperatorActions) SensorTag(chargePointID string, payload []byte, responseChannel chan common.Response) {
	request := &tagRequest{}
	if err := this.decode(payload, request); err != nil {
		responseChannel <- common.Fail("command.sensor.tag.payload.not.valid", "Invalid id tag.")
		return
	}
	this.sensor.PresentTag(request.IdTag)
	logDefault(chargePointID, SENSOR_TAG).Infof("id tag %v presented", request.IdTag)
	responseChannel <- common.Response{Payload: map[string]interface{}{"idTag": request.IdTag}}
}
