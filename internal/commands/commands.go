package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	uuid "github.com/google/uuid"

	"github.com/rmlgti/DroneCore/internal/mission"
)

const (
	qos    = 1
	retain = false
)

// MissionEngine is the mission API the command bridge drives.
type MissionEngine interface {
	UploadMissionAsync(items []mission.MissionItem, callback mission.ResultCallback)
	DownloadMissionAsync(callback mission.DownloadCallback)
	StartMissionAsync(callback mission.ResultCallback)
	PauseMissionAsync(callback mission.ResultCallback)
	SetCurrentMissionItemAsync(index int, callback mission.ResultCallback)
	SubscribeProgress(callback mission.ProgressCallback)
}

// PublishFn delivers one event payload to the cloud.
type PublishFn func(topic string, payload []byte)

type controlCommand struct {
	Command   string    `json:"command"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

type setCurrentPayload struct {
	Index int `json:"index"`
}

type commandResultEvent struct {
	Command   string    `json:"command"`
	Result    string    `json:"result"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

type missionItemsEvent struct {
	Result    string                `json:"result"`
	Items     []mission.MissionItem `json:"items"`
	MessageID string                `json:"message_id"`
	Timestamp time.Time             `json:"timestamp"`
}

type missionProgressEvent struct {
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

type deviceState struct {
	StartedAt time.Time `json:"started_at"`
	Message   string    `json:"message"`
}

// StartCommandHandlers subscribes to the device command topics and
// forwards mission commands to the engine. Results and execution
// progress go back up as device events.
func StartCommandHandlers(ctx context.Context, wg *sync.WaitGroup, mqttClient mqtt.Client, engine MissionEngine, deviceID string) {
	publish := func(topic string, payload []byte) {
		mqttClient.Publish(topic, qos, retain, payload)
	}

	missionCommands := make(chan string)
	go handleMissionCommands(ctx, wg, engine, missionCommands, publish, deviceID)

	engine.SubscribeProgress(func(current, total int) {
		topic := fmt.Sprintf("/devices/%s/events/mission-progress", deviceID)
		b, _ := json.Marshal(missionProgressEvent{
			Current:   current,
			Total:     total,
			Timestamp: time.Now().UTC(),
		})
		publish(topic, b)
	})

	log.Printf("Subscribing to MQTT commands")
	commandTopic := fmt.Sprintf("/devices/%s/commands/", deviceID)
	token := mqttClient.Subscribe(fmt.Sprintf("%v#", commandTopic), 0, func(client mqtt.Client, msg mqtt.Message) {
		subfolder := strings.TrimPrefix(msg.Topic(), commandTopic)
		switch subfolder {
		case "mission":
			log.Printf("Got mission command: %v", string(msg.Payload()))
			missionCommands <- string(msg.Payload())
		default:
			log.Printf("Unknown command subfolder: %v", subfolder)
		}
	})
	if err := token.Error(); err != nil {
		log.Fatalf("Error on subscribe: %v", err)
	}

	publishDeviceState(mqttClient, deviceID)
}

// handleMissionCommands routine waits for commands and executes them.
// The routine quits when the context is cancelled.
func handleMissionCommands(ctx context.Context, wg *sync.WaitGroup, engine MissionEngine, commands <-chan string, publish PublishFn, deviceID string) {
	wg.Add(1)
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case command := <-commands:
			handleMissionCommand(command, engine, publish, deviceID)
		}
	}
}

func handleMissionCommand(command string, engine MissionEngine, publish PublishFn, deviceID string) {
	var cmd controlCommand
	err := json.Unmarshal([]byte(command), &cmd)
	if err != nil {
		log.Printf("Could not unmarshal command: %v", err)
		return
	}

	resultTopic := fmt.Sprintf("/devices/%s/events/mission-result", deviceID)
	reportResult := func(result mission.Result) {
		b, _ := json.Marshal(commandResultEvent{
			Command:   cmd.Command,
			Result:    result.String(),
			MessageID: uuid.New().String(),
			Timestamp: time.Now().UTC(),
		})
		publish(resultTopic, b)
	}

	switch cmd.Command {
	case "upload-mission":
		items, result := mission.ImportQGroundControlPlanData([]byte(cmd.Payload))
		if result != mission.ResultSuccess {
			reportResult(result)
			return
		}
		engine.UploadMissionAsync(items, reportResult)
	case "download-mission":
		engine.DownloadMissionAsync(func(result mission.Result, items []mission.MissionItem) {
			topic := fmt.Sprintf("/devices/%s/events/mission-items", deviceID)
			b, _ := json.Marshal(missionItemsEvent{
				Result:    result.String(),
				Items:     items,
				MessageID: uuid.New().String(),
				Timestamp: time.Now().UTC(),
			})
			publish(topic, b)
		})
	case "start-mission":
		engine.StartMissionAsync(reportResult)
	case "pause-mission":
		engine.PauseMissionAsync(reportResult)
	case "set-current":
		var payload setCurrentPayload
		if err := json.Unmarshal([]byte(cmd.Payload), &payload); err != nil {
			log.Printf("Could not unmarshal set-current payload: %v", err)
			reportResult(mission.ResultInvalidArgument)
			return
		}
		engine.SetCurrentMissionItemAsync(payload.Index, reportResult)
	default:
		log.Printf("Unknown command: %v", cmd.Command)
	}
}

func publishDeviceState(mqttClient mqtt.Client, deviceID string) {
	topic := fmt.Sprintf("/devices/%s/state", deviceID)
	b, _ := json.Marshal(deviceState{
		StartedAt: time.Now().UTC(),
		Message:   "hello world",
	})
	mqttClient.Publish(topic, qos, retain, b)
}
