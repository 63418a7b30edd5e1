package mission

import (
	"log"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// raiseMissionItems folds a downloaded wire-item sequence back into
// mission items. Auxiliary commands accumulate onto the waypoint that
// precedes them; a new waypoint closes the one under construction.
func raiseMissionItems(wireItems []*common.MessageMissionItemInt) ([]MissionItem, Result) {
	if len(wireItems) == 0 {
		log.Printf("No mission items to assemble")
		return nil, ResultNoMissionAvailable
	}
	if wireItems[0].Command != common.MAV_CMD_NAV_WAYPOINT {
		log.Printf("First mission item is not a waypoint")
		return nil, ResultUnsupported
	}

	items := make([]MissionItem, 0, len(wireItems))
	current := NewMissionItem()
	havePosition := false

	for _, wire := range wireItems {
		switch wire.Command {
		case common.MAV_CMD_NAV_WAYPOINT:
			if wire.Frame != common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT {
				log.Printf("Waypoint frame not supported: %v", wire.Frame)
				return nil, ResultUnsupported
			}
			if havePosition {
				items = append(items, current)
				current = NewMissionItem()
			}
			current.LatitudeDeg = float64(wire.X) * 1e-7
			current.LongitudeDeg = float64(wire.Y) * 1e-7
			current.RelativeAltitudeM = wire.Z
			current.FlyThrough = !(wire.Param1 > 0)
			havePosition = true

		case common.MAV_CMD_DO_MOUNT_CONTROL:
			if int(wire.Z) != int(common.MAV_MOUNT_MODE_MAVLINK_TARGETING) {
				log.Printf("Gimbal mount mode not supported: %v", wire.Z)
				return nil, ResultUnsupported
			}
			current.GimbalPitchDeg = wire.Param1
			current.GimbalYawDeg = wire.Param3

		case common.MAV_CMD_IMAGE_START_CAPTURE:
			if wire.Param2 > 0 && int(wire.Param3) == 0 {
				current.CameraAction = CameraActionStartPhotoInterval
				current.CameraPhotoIntervalS = float64(wire.Param2)
			} else if int(wire.Param2) == 0 && int(wire.Param3) == 1 {
				current.CameraAction = CameraActionTakePhoto
			} else {
				log.Printf("IMAGE_START_CAPTURE params not supported")
				return nil, ResultUnsupported
			}

		case common.MAV_CMD_IMAGE_STOP_CAPTURE:
			current.CameraAction = CameraActionStopPhotoInterval

		case common.MAV_CMD_VIDEO_START_CAPTURE:
			current.CameraAction = CameraActionStartVideo

		case common.MAV_CMD_VIDEO_STOP_CAPTURE:
			current.CameraAction = CameraActionStopVideo

		case common.MAV_CMD_DO_CHANGE_SPEED:
			if int(wire.Param1) == 1 && wire.Param3 < 0 && int(wire.Param4) == 0 {
				current.SpeedMS = wire.Param2
			} else {
				log.Printf("DO_CHANGE_SPEED params not supported")
				return nil, ResultUnsupported
			}

		case common.MAV_CMD_NAV_LOITER_TIME:
			current.LoiterTimeS = wire.Param1

		default:
			log.Printf("Mission item command not supported: %v", wire.Command)
			return nil, ResultUnsupported
		}
	}

	// The last item may carry only terminal actions; push it regardless.
	items = append(items, current)

	return items, ResultSuccess
}
