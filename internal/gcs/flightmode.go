package gcs

import (
	"log"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// FlightMode is a vehicle flight mode the client can request.
type FlightMode int

const (
	FlightModeUnknown FlightMode = iota
	FlightModeMission
	FlightModeHold
	FlightModeReturnToLaunch
	FlightModeTakeoff
	FlightModeLand
)

func (m FlightMode) String() string {
	switch m {
	case FlightModeMission:
		return "mission"
	case FlightModeHold:
		return "hold"
	case FlightModeReturnToLaunch:
		return "return-to-launch"
	case FlightModeTakeoff:
		return "takeoff"
	case FlightModeLand:
		return "land"
	}
	return "unknown"
}

// CommandResult is the outcome of a vehicle command exchange.
type CommandResult int

const (
	CommandResultSuccess CommandResult = iota
	CommandResultDenied
	CommandResultTimeout
	CommandResultError
)

const commandAckTimeout = 1 * time.Second

// PX4 custom mode encoding: main mode in byte 2 of custom_mode, sub
// mode in byte 3. All modes here live under the AUTO main mode.
const (
	px4MainModeAuto = 4

	px4SubModeAutoTakeoff = 2
	px4SubModeAutoLoiter  = 3
	px4SubModeAutoMission = 4
	px4SubModeAutoRTL     = 5
	px4SubModeAutoLand    = 6
)

func px4Modes(mode FlightMode) (mainMode, subMode uint8, ok bool) {
	switch mode {
	case FlightModeMission:
		return px4MainModeAuto, px4SubModeAutoMission, true
	case FlightModeHold:
		return px4MainModeAuto, px4SubModeAutoLoiter, true
	case FlightModeReturnToLaunch:
		return px4MainModeAuto, px4SubModeAutoRTL, true
	case FlightModeTakeoff:
		return px4MainModeAuto, px4SubModeAutoTakeoff, true
	case FlightModeLand:
		return px4MainModeAuto, px4SubModeAutoLand, true
	}
	return 0, 0, false
}

type pendingCommand struct {
	command common.MAV_CMD
	cookie  TimeoutCookie
	cb      func(CommandResult)
}

// SetFlightModeAsync requests a flight mode switch via DO_SET_MODE and
// completes when the vehicle acks the command or the exchange times
// out. One command is in flight at a time.
func (c *Client) SetFlightModeAsync(mode FlightMode, cb func(result CommandResult)) {
	mainMode, subMode, ok := px4Modes(mode)
	if !ok {
		log.Printf("Flight mode not supported: %v", mode)
		cb(CommandResultError)
		return
	}

	targetSystem, targetComponent := c.TargetIDs()
	msg := &common.MessageCommandLong{
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
		Command:         common.MAV_CMD_DO_SET_MODE,
		Param1:          float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED),
		Param2:          float32(mainMode),
		Param3:          float32(subMode),
	}

	c.commandMu.Lock()
	if c.pendingCommand != nil {
		c.commandMu.Unlock()
		log.Printf("Command already in flight, rejecting %v", mode)
		cb(CommandResultError)
		return
	}
	pending := &pendingCommand{command: common.MAV_CMD_DO_SET_MODE, cb: cb}
	pending.cookie = c.timeouts.register(commandAckTimeout, func() {
		c.commandTimedOut(pending)
	})
	c.pendingCommand = pending
	c.commandMu.Unlock()

	if err := c.SendMessage(msg); err != nil {
		log.Printf("Failed to send DO_SET_MODE: %v", err)
		c.completeCommand(pending, CommandResultError)
	}
}

func (c *Client) handleCommandAck(msg message.Message) {
	ack, ok := msg.(*common.MessageCommandAck)
	if !ok {
		return
	}

	c.commandMu.Lock()
	pending := c.pendingCommand
	c.commandMu.Unlock()

	if pending == nil || ack.Command != pending.command {
		return
	}

	switch ack.Result {
	case common.MAV_RESULT_ACCEPTED:
		c.completeCommand(pending, CommandResultSuccess)
	case common.MAV_RESULT_TEMPORARILY_REJECTED, common.MAV_RESULT_DENIED, common.MAV_RESULT_UNSUPPORTED:
		log.Printf("Command %v rejected: %v", pending.command, ack.Result)
		c.completeCommand(pending, CommandResultDenied)
	default:
		log.Printf("Command %v failed: %v", pending.command, ack.Result)
		c.completeCommand(pending, CommandResultError)
	}
}

func (c *Client) commandTimedOut(pending *pendingCommand) {
	log.Printf("Command %v timed out", pending.command)
	c.completeCommand(pending, CommandResultTimeout)
}

// completeCommand resolves the pending command exactly once; the loser
// of an ack/timeout race is a no-op.
func (c *Client) completeCommand(pending *pendingCommand, result CommandResult) {
	c.commandMu.Lock()
	if c.pendingCommand != pending {
		c.commandMu.Unlock()
		return
	}
	c.pendingCommand = nil
	c.commandMu.Unlock()

	c.timeouts.unregister(pending.cookie)
	pending.cb(result)
}
