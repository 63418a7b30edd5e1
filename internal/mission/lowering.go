package mission

import (
	"log"
	"math"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// Acceptance radius written into NAV_WAYPOINT param1 for stop-at
// waypoints. Anything > 0 makes the autopilot hold at the waypoint.
const stopAcceptanceRadiusM = 1.0

// loweredMission is a mission expanded into the flat wire-item sequence
// the autopilot executes, plus the map from wire sequence numbers back
// to the source mission item indices.
type loweredMission struct {
	wireItems []*common.MessageMissionItemInt
	indexMap  map[int]int
}

// push assigns the next sequence number and records which mission item
// produced the wire item. The first wire item of a mission is flagged
// current.
func (lm *loweredMission) push(wire *common.MessageMissionItemInt, sourceIndex int) {
	seq := len(lm.wireItems)
	wire.Seq = uint16(seq)
	if seq == 0 {
		wire.Current = 1
	}
	lm.indexMap[seq] = sourceIndex
	lm.wireItems = append(lm.wireItems, wire)
}

// lowerMissionItems expands mission items into wire items in execution
// order: waypoint, speed change, gimbal pose, loiter, camera action.
func lowerMissionItems(items []MissionItem, targetSystem, targetComponent uint8) loweredMission {
	lowered := loweredMission{indexMap: make(map[int]int)}

	// Loiter reuses the coordinates of the last emitted waypoint.
	var lastFrame common.MAV_FRAME
	var lastX, lastY int32
	var lastZ float32
	lastPositionValid := false

	for i, item := range items {
		if item.PositionFinite() {
			wire := &common.MessageMissionItemInt{
				TargetSystem:    targetSystem,
				TargetComponent: targetComponent,
				Frame:           common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
				Command:         common.MAV_CMD_NAV_WAYPOINT,
				Autocontinue:    1,
				Param1:          waypointHoldParam(item.FlyThrough),
				Param4:          nan32(), // yaw left to the vehicle
				X:               int32(math.Round(item.LatitudeDeg * 1e7)),
				Y:               int32(math.Round(item.LongitudeDeg * 1e7)),
				Z:               item.RelativeAltitudeM,
				MissionType:     common.MAV_MISSION_TYPE_MISSION,
			}
			lastPositionValid = true
			lastFrame = wire.Frame
			lastX = wire.X
			lastY = wire.Y
			lastZ = wire.Z
			lowered.push(wire, i)
		}

		if finite32(item.SpeedMS) {
			lowered.push(&common.MessageMissionItemInt{
				TargetSystem:    targetSystem,
				TargetComponent: targetComponent,
				Frame:           common.MAV_FRAME_MISSION,
				Command:         common.MAV_CMD_DO_CHANGE_SPEED,
				Autocontinue:    1,
				Param1:          1, // ground speed
				Param2:          item.SpeedMS,
				Param3:          -1, // no throttle change
				Param4:          0,  // absolute
				Z:               nan32(),
				MissionType:     common.MAV_MISSION_TYPE_MISSION,
			}, i)
		}

		if finite32(item.GimbalPitchDeg) || finite32(item.GimbalYawDeg) {
			lowered.push(&common.MessageMissionItemInt{
				TargetSystem:    targetSystem,
				TargetComponent: targetComponent,
				Frame:           common.MAV_FRAME_MISSION,
				Command:         common.MAV_CMD_DO_MOUNT_CONTROL,
				Autocontinue:    1,
				Param1:          item.GimbalPitchDeg,
				Param2:          0, // roll
				Param3:          item.GimbalYawDeg,
				Param4:          nan32(),
				Z:               float32(common.MAV_MOUNT_MODE_MAVLINK_TARGETING),
				MissionType:     common.MAV_MISSION_TYPE_MISSION,
			}, i)
		}

		if set32(item.LoiterTimeS) {
			if !lastPositionValid {
				// A loiter needs coordinates to loiter at; without any
				// prior waypoint it cannot be expressed on the wire.
				log.Printf("Dropping loiter time without a previous position")
			} else {
				lowered.push(&common.MessageMissionItemInt{
					TargetSystem:    targetSystem,
					TargetComponent: targetComponent,
					Frame:           lastFrame,
					Command:         common.MAV_CMD_NAV_LOITER_TIME,
					Autocontinue:    1,
					Param1:          item.LoiterTimeS,
					Param2:          nan32(),
					Param3:          0, // loiter radius
					Param4:          0, // exit at center
					X:               lastX,
					Y:               lastY,
					Z:               lastZ,
					MissionType:     common.MAV_MISSION_TYPE_MISSION,
				}, i)
			}
		}

		if item.CameraAction != CameraActionNone {
			wire := &common.MessageMissionItemInt{
				TargetSystem:    targetSystem,
				TargetComponent: targetComponent,
				Frame:           common.MAV_FRAME_MISSION,
				Autocontinue:    1,
				Param1:          0, // all camera IDs
				Param2:          nan32(),
				Param3:          nan32(),
				Param4:          nan32(),
				Z:               nan32(),
				MissionType:     common.MAV_MISSION_TYPE_MISSION,
			}
			switch item.CameraAction {
			case CameraActionTakePhoto:
				wire.Command = common.MAV_CMD_IMAGE_START_CAPTURE
				wire.Param2 = 0 // no interval
				wire.Param3 = 1 // single picture
			case CameraActionStartPhotoInterval:
				wire.Command = common.MAV_CMD_IMAGE_START_CAPTURE
				wire.Param2 = float32(item.CameraPhotoIntervalS)
				wire.Param3 = 0 // unlimited pictures
			case CameraActionStopPhotoInterval:
				wire.Command = common.MAV_CMD_IMAGE_STOP_CAPTURE
			case CameraActionStartVideo:
				wire.Command = common.MAV_CMD_VIDEO_START_CAPTURE
			case CameraActionStopVideo:
				wire.Command = common.MAV_CMD_VIDEO_STOP_CAPTURE
			}
			lowered.push(wire, i)
		}
	}

	return lowered
}

func waypointHoldParam(flyThrough bool) float32 {
	if flyThrough {
		return 0
	}
	return stopAcceptanceRadiusM
}
