package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	uuid "github.com/google/uuid"
)

const (
	qos    = 1
	retain = false
)

// MAVLinkSource is the slice of the link layer telemetry listens on.
type MAVLinkSource interface {
	RegisterMessageHandler(msgID uint32, handler func(message.Message))
}

type telemetry struct {
	Timestamp int64
	MessageID string

	LocationUpdated   bool
	Lat               float64
	Lon               float64
	Heading           float32
	RelativeAltitudeM float32

	BatteryUpdated   bool
	BatteryVoltageV  float32
	BatteryRemaining float32

	StateUpdated bool
	Armed        bool
	CustomMode   uint32
}

type publisher struct {
	mqttClient mqtt.Client
	deviceID   string

	mu      sync.Mutex
	sent    bool
	current telemetry
}

// Start registers the telemetry message handlers and begins publishing
// aggregated snapshots to the cloud.
func Start(ctx context.Context, wg *sync.WaitGroup, source MAVLinkSource, mqttClient mqtt.Client, deviceID string) {
	p := &publisher{
		mqttClient: mqttClient,
		deviceID:   deviceID,
		sent:       true,
	}

	source.RegisterMessageHandler((&common.MessageGlobalPositionInt{}).GetID(), p.handleGlobalPosition)
	source.RegisterMessageHandler((&common.MessageSysStatus{}).GetID(), p.handleSysStatus)
	source.RegisterMessageHandler((&common.MessageHeartbeat{}).GetID(), p.handleHeartbeat)

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.run(ctx)
	}()
}

// loop to send telemetry 10/s
func (p *publisher) run(ctx context.Context) {
	topic := fmt.Sprintf("/devices/%s/events/telemetry", p.deviceID)
	for {
		select {
		case <-time.After(100 * time.Millisecond):
			p.mu.Lock()
			if p.sent {
				// there's no new data to send
				// skip this round
				p.mu.Unlock()
				break
			}
			p.current.Timestamp = time.Now().UnixNano() / 1000
			p.current.MessageID = uuid.New().String()
			b, _ := json.Marshal(p.current)
			p.sent = true
			p.current.LocationUpdated = false
			p.current.BatteryUpdated = false
			p.current.StateUpdated = false
			p.mu.Unlock()
			p.mqttClient.Publish(topic, qos, retain, string(b))
		case <-ctx.Done():
			log.Printf("Telemetry shutting down")
			return
		}
	}
}

func (p *publisher) handleGlobalPosition(msg message.Message) {
	m, ok := msg.(*common.MessageGlobalPositionInt)
	if !ok {
		return
	}

	p.mu.Lock()
	p.current.Lat = float64(m.Lat) * 1e-7
	p.current.Lon = float64(m.Lon) * 1e-7
	p.current.RelativeAltitudeM = float32(m.RelativeAlt) / 1000.0
	p.current.Heading = float32(m.Hdg) / 100.0
	p.current.LocationUpdated = true
	p.sent = false
	p.mu.Unlock()
}

func (p *publisher) handleSysStatus(msg message.Message) {
	m, ok := msg.(*common.MessageSysStatus)
	if !ok {
		return
	}

	p.mu.Lock()
	p.current.BatteryVoltageV = float32(m.VoltageBattery) / 1000.0
	p.current.BatteryRemaining = float32(m.BatteryRemaining)
	p.current.BatteryUpdated = true
	p.sent = false
	p.mu.Unlock()
}

func (p *publisher) handleHeartbeat(msg message.Message) {
	m, ok := msg.(*common.MessageHeartbeat)
	if !ok {
		return
	}
	if m.Type == common.MAV_TYPE_GCS {
		return
	}

	p.mu.Lock()
	p.current.Armed = m.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
	p.current.CustomMode = m.CustomMode
	p.current.StateUpdated = true
	p.sent = false
	p.mu.Unlock()
}
