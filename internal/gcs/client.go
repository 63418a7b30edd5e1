package gcs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/pkg/errors"
)

const (
	// Ground-control identity on the link.
	DefaultSystemID    = 245
	DefaultComponentID = 190
)

// Config is the MAVLink link configuration.
type Config struct {
	// Address of the vehicle's UDP endpoint, e.g. "127.0.0.1:14540".
	Address     string
	SystemID    uint8
	ComponentID uint8
}

// Client is the MAVLink link layer: it frames and delivers messages
// over UDP, dispatches incoming messages to registered handlers, tracks
// the vehicle discovered on the link and owns the timeout facility the
// protocol engines run on.
type Client struct {
	conf Config
	node *gomavlib.Node

	handlersMu sync.RWMutex
	handlers   map[uint32][]func(message.Message)

	stateMu          sync.Mutex
	discovered       bool
	targetSystem     uint8
	targetComponent  uint8
	capabilities     common.MAV_PROTOCOL_CAPABILITY
	haveCapabilities bool

	timeouts *timeoutRegistry

	commandMu      sync.Mutex
	pendingCommand *pendingCommand
}

// NewClient opens the MAVLink node. Run must be called to start
// dispatching.
func NewClient(conf Config) (*Client, error) {
	if conf.SystemID == 0 {
		conf.SystemID = DefaultSystemID
	}
	if conf.ComponentID == 0 {
		conf.ComponentID = DefaultComponentID
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointUDPClient{Address: conf.Address},
		},
		Dialect:        common.Dialect,
		OutVersion:     gomavlib.V2,
		OutSystemID:    conf.SystemID,
		OutComponentID: conf.ComponentID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create mavlink node")
	}

	c := &Client{
		conf:     conf,
		node:     node,
		handlers: make(map[uint32][]func(message.Message)),
		// Conventional autopilot ids until the vehicle is discovered.
		targetSystem:    1,
		targetComponent: 1,
		timeouts:        newTimeoutRegistry(),
	}

	c.RegisterMessageHandler((&common.MessageAutopilotVersion{}).GetID(), c.handleAutopilotVersion)
	c.RegisterMessageHandler((&common.MessageCommandAck{}).GetID(), c.handleCommandAck)

	return c, nil
}

// Run starts the event loop. The node closes when ctx is cancelled.
func (c *Client) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		c.node.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for event := range c.node.Events() {
			frame, ok := event.(*gomavlib.EventFrame)
			if !ok {
				continue
			}
			c.observeFrame(frame)
			c.dispatch(frame.Message())
		}
		log.Printf("MAVLink event loop finished")
	}()
}

// SendMessage delivers one message to the vehicle. Non-blocking beyond
// the socket write.
func (c *Client) SendMessage(msg message.Message) error {
	return c.node.WriteMessageAll(msg)
}

// RegisterMessageHandler adds a handler for one message id. Handlers
// run on the event loop goroutine and must not block.
func (c *Client) RegisterMessageHandler(msgID uint32, handler func(message.Message)) {
	c.handlersMu.Lock()
	c.handlers[msgID] = append(c.handlers[msgID], handler)
	c.handlersMu.Unlock()
}

// RegisterTimeoutHandler arms cb to fire once after d.
func (c *Client) RegisterTimeoutHandler(d time.Duration, cb func()) TimeoutCookie {
	return c.timeouts.register(d, cb)
}

// RefreshTimeoutHandler restarts the timeout from now.
func (c *Client) RefreshTimeoutHandler(cookie TimeoutCookie) {
	c.timeouts.refresh(cookie)
}

// UnregisterTimeoutHandler disarms the timeout. Unknown cookies are
// ignored.
func (c *Client) UnregisterTimeoutHandler(cookie TimeoutCookie) {
	c.timeouts.unregister(cookie)
}

// OwnIDs returns the ground-control system and component id.
func (c *Client) OwnIDs() (systemID, componentID uint8) {
	return c.conf.SystemID, c.conf.ComponentID
}

// TargetIDs returns the vehicle's system and component id.
func (c *Client) TargetIDs() (systemID, componentID uint8) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.targetSystem, c.targetComponent
}

// SupportsMissionInt reports whether the vehicle speaks
// MISSION_ITEM_INT. Assumed true until an AUTOPILOT_VERSION denies it.
func (c *Client) SupportsMissionInt() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.haveCapabilities {
		return true
	}
	return c.capabilities&common.MAV_PROTOCOL_CAPABILITY_MISSION_INT != 0
}

func (c *Client) observeFrame(frame *gomavlib.EventFrame) {
	heartbeat, ok := frame.Message().(*common.MessageHeartbeat)
	if !ok {
		return
	}
	if heartbeat.Type == common.MAV_TYPE_GCS {
		return
	}

	c.stateMu.Lock()
	if c.discovered {
		c.stateMu.Unlock()
		return
	}
	c.discovered = true
	c.targetSystem = frame.SystemID()
	c.targetComponent = frame.ComponentID()
	c.stateMu.Unlock()

	log.Printf("Vehicle discovered: system %d component %d", frame.SystemID(), frame.ComponentID())
	c.requestAutopilotVersion()
}

func (c *Client) requestAutopilotVersion() {
	targetSystem, targetComponent := c.TargetIDs()
	err := c.SendMessage(&common.MessageCommandLong{
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
		Command:         common.MAV_CMD_REQUEST_AUTOPILOT_CAPABILITIES,
		Param1:          1,
	})
	if err != nil {
		log.Printf("Failed to request autopilot capabilities: %v", err)
	}
}

func (c *Client) handleAutopilotVersion(msg message.Message) {
	version, ok := msg.(*common.MessageAutopilotVersion)
	if !ok {
		return
	}

	c.stateMu.Lock()
	c.capabilities = version.Capabilities
	c.haveCapabilities = true
	c.stateMu.Unlock()
}

func (c *Client) dispatch(msg message.Message) {
	c.handlersMu.RLock()
	handlers := c.handlers[msg.GetID()]
	c.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
}
