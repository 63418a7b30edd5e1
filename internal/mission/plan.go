package mission

import (
	"encoding/json"
	"log"
	"os"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

type qgcPlan struct {
	Mission struct {
		Items []qgcPlanItem `json:"items"`
	} `json:"mission"`
}

type qgcPlanItem struct {
	Command int       `json:"command"`
	Params  []float64 `json:"params"`
}

// ImportQGroundControlPlan reads a QGroundControl .plan file and builds
// mission items from its mission item list.
func ImportQGroundControlPlan(path string) ([]MissionItem, Result) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("Failed to open plan file %s: %v", path, err)
		return nil, ResultFailedToOpenQGCPlan
	}
	return ImportQGroundControlPlanData(data)
}

// ImportQGroundControlPlanData builds mission items from QGroundControl
// plan JSON.
func ImportQGroundControlPlanData(data []byte) ([]MissionItem, Result) {
	var plan qgcPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		log.Printf("Failed to parse plan: %v", err)
		return nil, ResultFailedToParseQGCPlan
	}

	items := make([]MissionItem, 0, len(plan.Mission.Items))
	current := NewMissionItem()

	for _, planItem := range plan.Mission.Items {
		if len(planItem.Params) < 7 {
			log.Printf("Skipping plan item with %d params", len(planItem.Params))
			continue
		}
		result := buildMissionItem(common.MAV_CMD(planItem.Command), planItem.Params, &current, &items)
		if result != ResultSuccess {
			return nil, result
		}
	}

	// The last item possibly has no position set; push it regardless.
	items = append(items, current)

	return items, ResultSuccess
}

// buildMissionItem folds one plan command into the mission item under
// construction. Position-bearing commands flush the current item first.
func buildMissionItem(command common.MAV_CMD, params []float64, current *MissionItem, items *[]MissionItem) Result {
	switch command {
	case common.MAV_CMD_NAV_WAYPOINT, common.MAV_CMD_NAV_TAKEOFF, common.MAV_CMD_NAV_LAND:
		if current.HasPosition() {
			*items = append(*items, *current)
			*current = NewMissionItem()
		}
		if command == common.MAV_CMD_NAV_WAYPOINT {
			current.FlyThrough = !(int(params[0]) > 0)
		}
		current.LatitudeDeg = params[4]
		current.LongitudeDeg = params[5]
		current.RelativeAltitudeM = float32(params[6])

	case common.MAV_CMD_DO_MOUNT_CONTROL:
		current.GimbalPitchDeg = float32(params[0])
		current.GimbalYawDeg = float32(params[2])

	case common.MAV_CMD_NAV_LOITER_TIME:
		current.LoiterTimeS = float32(params[0])

	case common.MAV_CMD_IMAGE_START_CAPTURE:
		photoInterval := int(params[1])
		photoCount := int(params[2])
		if photoInterval > 0 && photoCount == 0 {
			current.CameraAction = CameraActionStartPhotoInterval
			current.CameraPhotoIntervalS = float64(photoInterval)
		} else if photoInterval == 0 && photoCount == 1 {
			current.CameraAction = CameraActionTakePhoto
		} else {
			log.Printf("IMAGE_START_CAPTURE params not supported")
			return ResultUnsupported
		}

	case common.MAV_CMD_IMAGE_STOP_CAPTURE:
		current.CameraAction = CameraActionStopPhotoInterval

	case common.MAV_CMD_VIDEO_START_CAPTURE:
		current.CameraAction = CameraActionStartVideo

	case common.MAV_CMD_VIDEO_STOP_CAPTURE:
		current.CameraAction = CameraActionStopVideo

	case common.MAV_CMD_DO_CHANGE_SPEED:
		speedType := int(params[0])
		throttle := params[2]
		absolute := params[3] == 0
		if speedType == 1 && throttle < 0 && absolute {
			current.SpeedMS = float32(params[1])
		} else {
			log.Printf("DO_CHANGE_SPEED params not supported")
			return ResultUnsupported
		}

	default:
		log.Printf("Skipping plan command not supported: %v", command)
	}

	return ResultSuccess
}
