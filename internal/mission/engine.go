package mission

import (
	"log"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/rmlgti/DroneCore/internal/gcs"
)

const (
	// Per-request budget while items are being pulled one by one.
	retryTimeout = 250 * time.Millisecond
	// Budget for the autopilot to drive a whole upload.
	processTimeout = 1500 * time.Millisecond
	maxRetries     = 3
)

// Transport is the slice of the MAVLink link layer the engine drives:
// a message sink, incoming-message dispatch and the cookie-based
// timeout facility.
type Transport interface {
	SendMessage(msg message.Message) error
	RegisterMessageHandler(msgID uint32, handler func(message.Message))
	RegisterTimeoutHandler(d time.Duration, cb func()) gcs.TimeoutCookie
	RefreshTimeoutHandler(cookie gcs.TimeoutCookie)
	UnregisterTimeoutHandler(cookie gcs.TimeoutCookie)
	OwnIDs() (systemID, componentID uint8)
	TargetIDs() (systemID, componentID uint8)
	SupportsMissionInt() bool
}

// FlightModeSetter starts and pauses mission execution by switching the
// vehicle's flight mode.
type FlightModeSetter interface {
	SetFlightModeAsync(mode gcs.FlightMode, cb func(result gcs.CommandResult))
}

type activity int

const (
	activityNone activity = iota
	activitySetMission
	activityGetMission
	activitySetCurrent
	activitySendCommand
)

// Engine drives the MAVLink mission micro-protocol against the vehicle:
// upload and download handshakes, current-item selection, start/pause
// and execution progress. One operation is in flight at a time; a
// second request while one is live completes immediately with
// ResultBusy.
//
// All state is guarded by mu. Completion callbacks are invoked after mu
// is released, so a callback may immediately issue the next operation.
type Engine struct {
	transport Transport
	modes     FlightModeSetter

	mu               sync.Mutex
	activity         activity
	items            []MissionItem
	wireItems        []*common.MessageMissionItemInt
	indexMap         map[int]int
	downloaded       []*common.MessageMissionItemInt
	expectedSeq      uint16
	downloadCount    uint16
	retries          int
	timeoutCookie    gcs.TimeoutCookie
	lastCurrentSeq   int
	lastReachedSeq   int
	setCurrentSeq    int
	resultCallback   ResultCallback
	downloadCallback DownloadCallback
	progressCallback ProgressCallback
}

// NewEngine wires the engine into the transport's message dispatch.
func NewEngine(transport Transport, modes FlightModeSetter) *Engine {
	e := &Engine{
		transport:      transport,
		modes:          modes,
		indexMap:       make(map[int]int),
		lastCurrentSeq: -1,
		lastReachedSeq: -1,
	}

	transport.RegisterMessageHandler((&common.MessageMissionRequest{}).GetID(), e.processMissionRequest)
	transport.RegisterMessageHandler((&common.MessageMissionRequestInt{}).GetID(), e.processMissionRequestInt)
	transport.RegisterMessageHandler((&common.MessageMissionAck{}).GetID(), e.processMissionAck)
	transport.RegisterMessageHandler((&common.MessageMissionCurrent{}).GetID(), e.processMissionCurrent)
	transport.RegisterMessageHandler((&common.MessageMissionItemReached{}).GetID(), e.processMissionItemReached)
	transport.RegisterMessageHandler((&common.MessageMissionCount{}).GetID(), e.processMissionCount)
	transport.RegisterMessageHandler((&common.MessageMissionItemInt{}).GetID(), e.processMissionItemInt)

	return e
}

// UploadMissionAsync lowers items onto the wire and offers them to the
// vehicle. The vehicle pulls the wire items one by one; the callback
// completes when the final ack arrives.
func (e *Engine) UploadMissionAsync(items []MissionItem, callback ResultCallback) {
	e.mu.Lock()
	if e.activity != activityNone {
		e.mu.Unlock()
		reportResult(callback, ResultBusy)
		return
	}

	if !e.transport.SupportsMissionInt() {
		e.mu.Unlock()
		log.Printf("Mission int messages not supported by vehicle")
		reportResult(callback, ResultError)
		return
	}

	targetSystem, targetComponent := e.transport.TargetIDs()
	lowered := lowerMissionItems(items, targetSystem, targetComponent)

	e.items = append([]MissionItem(nil), items...)
	e.wireItems = lowered.wireItems
	e.indexMap = lowered.indexMap

	err := e.transport.SendMessage(&common.MessageMissionCount{
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
		Count:           uint16(len(e.wireItems)),
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})
	if err != nil {
		e.mu.Unlock()
		log.Printf("Failed to send mission count: %v", err)
		reportResult(callback, ResultError)
		return
	}

	// The autopilot pulls the items up, so the whole exchange runs on
	// the longer budget.
	e.timeoutCookie = e.transport.RegisterTimeoutHandler(processTimeout, e.processTimeout)
	e.activity = activitySetMission
	e.resultCallback = callback
	e.mu.Unlock()
}

// DownloadMissionAsync pulls the mission held by the vehicle and raises
// it back into mission items.
func (e *Engine) DownloadMissionAsync(callback DownloadCallback) {
	e.mu.Lock()
	if e.activity != activityNone {
		e.mu.Unlock()
		reportDownload(callback, ResultBusy, nil)
		return
	}

	targetSystem, targetComponent := e.transport.TargetIDs()
	err := e.transport.SendMessage(&common.MessageMissionRequestList{
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})
	if err != nil {
		e.mu.Unlock()
		log.Printf("Failed to send mission request list: %v", err)
		reportDownload(callback, ResultError, nil)
		return
	}

	e.downloaded = nil
	e.expectedSeq = 0
	e.downloadCount = 0
	e.retries = 0
	e.timeoutCookie = e.transport.RegisterTimeoutHandler(retryTimeout, e.processTimeout)
	e.activity = activityGetMission
	e.downloadCallback = callback
	e.mu.Unlock()
}

// StartMissionAsync switches the vehicle into mission mode.
func (e *Engine) StartMissionAsync(callback ResultCallback) {
	e.sendFlightMode(gcs.FlightModeMission, callback)
}

// PauseMissionAsync holds the vehicle in place without clearing the
// mission.
func (e *Engine) PauseMissionAsync(callback ResultCallback) {
	e.sendFlightMode(gcs.FlightModeHold, callback)
}

func (e *Engine) sendFlightMode(mode gcs.FlightMode, callback ResultCallback) {
	e.mu.Lock()
	if e.activity != activityNone {
		e.mu.Unlock()
		reportResult(callback, ResultBusy)
		return
	}
	e.activity = activitySendCommand
	e.resultCallback = callback
	e.mu.Unlock()

	e.modes.SetFlightModeAsync(mode, e.receiveCommandResult)
}

func (e *Engine) receiveCommandResult(result gcs.CommandResult) {
	e.mu.Lock()
	if e.activity == activitySendCommand {
		e.activity = activityNone
	}
	e.transport.UnregisterTimeoutHandler(e.timeoutCookie)
	callback := e.takeResultCallback()
	e.mu.Unlock()

	if result == gcs.CommandResultSuccess {
		reportResult(callback, ResultSuccess)
	} else {
		reportResult(callback, ResultError)
	}
}

// SetCurrentMissionItemAsync makes the vehicle jump to the given
// mission item. The index refers to mission items, not wire items; the
// smallest wire sequence lowered from that item is selected.
func (e *Engine) SetCurrentMissionItemAsync(index int, callback ResultCallback) {
	e.mu.Lock()
	if e.activity != activityNone {
		e.mu.Unlock()
		reportResult(callback, ResultBusy)
		return
	}

	wireSeq := -1
	for seq := 0; seq < len(e.wireItems); seq++ {
		if e.indexMap[seq] == index {
			wireSeq = seq
			break
		}
	}
	if wireSeq < 0 {
		e.mu.Unlock()
		reportResult(callback, ResultInvalidArgument)
		return
	}

	targetSystem, targetComponent := e.transport.TargetIDs()
	err := e.transport.SendMessage(&common.MessageMissionSetCurrent{
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
		Seq:             uint16(wireSeq),
	})
	if err != nil {
		e.mu.Unlock()
		log.Printf("Failed to send mission set current: %v", err)
		reportResult(callback, ResultError)
		return
	}

	e.timeoutCookie = e.transport.RegisterTimeoutHandler(retryTimeout, e.processTimeout)
	e.activity = activitySetCurrent
	e.setCurrentSeq = wireSeq
	e.resultCallback = callback
	e.mu.Unlock()
}

// SubscribeProgress latches the progress callback. It fires on every
// change of the current or reached wire item.
func (e *Engine) SubscribeProgress(callback ProgressCallback) {
	e.mu.Lock()
	e.progressCallback = callback
	e.mu.Unlock()
}

// CurrentMissionItem returns the mission item the vehicle is executing,
// the total when the mission is finished, or -1 when unknown.
func (e *Engine) CurrentMissionItem() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentMissionItemLocked()
}

// TotalMissionItems returns the number of mission items of the last
// uploaded mission.
func (e *Engine) TotalMissionItems() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// IsMissionFinished reports whether the vehicle has reached the last
// wire item of the uploaded mission.
func (e *Engine) IsMissionFinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isFinishedLocked()
}

// Stop tears down any live activity: the pending operation completes
// with ResultError and the progress subscription ends.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.transport.UnregisterTimeoutHandler(e.timeoutCookie)
	wasActive := e.activity != activityNone
	e.activity = activityNone
	resultCb := e.takeResultCallback()
	downloadCb := e.takeDownloadCallback()
	e.progressCallback = nil
	e.mu.Unlock()

	if !wasActive {
		return
	}
	if downloadCb != nil {
		reportDownload(downloadCb, ResultError, nil)
	}
	if resultCb != nil {
		reportResult(resultCb, ResultError)
	}
}

func (e *Engine) processMissionRequest(msg message.Message) {
	_, ok := msg.(*common.MessageMissionRequest)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.activity != activitySetMission {
		e.mu.Unlock()
		log.Printf("Ignoring mission request, no upload active")
		return
	}

	// Only the int variant is supported; nack to push the autopilot
	// over to MISSION_REQUEST_INT.
	targetSystem, targetComponent := e.transport.TargetIDs()
	e.transport.SendMessage(&common.MessageMissionAck{
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
		Type:            common.MAV_MISSION_UNSUPPORTED,
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})

	// Still communicating.
	e.transport.RefreshTimeoutHandler(e.timeoutCookie)
	e.mu.Unlock()
}

func (e *Engine) processMissionRequestInt(msg message.Message) {
	request, ok := msg.(*common.MessageMissionRequestInt)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.addressedToUs(request.TargetSystem, request.TargetComponent) {
		log.Printf("Ignoring mission request int that is not for us")
		return
	}
	if e.activity != activitySetMission {
		log.Printf("Ignoring mission request int, no upload active")
		return
	}

	e.retries = 0
	if int(request.Seq) >= len(e.wireItems) {
		log.Printf("Mission item %d requested out of bounds", request.Seq)
		return
	}
	e.transport.SendMessage(e.wireItems[request.Seq])
	e.transport.RefreshTimeoutHandler(e.timeoutCookie)
}

func (e *Engine) processMissionAck(msg message.Message) {
	ack, ok := msg.(*common.MessageMissionAck)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.activity != activitySetMission {
		e.mu.Unlock()
		log.Printf("Ignoring mission ack, no upload active")
		return
	}
	if !e.addressedToUs(ack.TargetSystem, ack.TargetComponent) {
		e.mu.Unlock()
		log.Printf("Ignoring mission ack that is not for us")
		return
	}

	e.transport.UnregisterTimeoutHandler(e.timeoutCookie)
	e.activity = activityNone
	callback := e.takeResultCallback()

	var result Result
	switch ack.Type {
	case common.MAV_MISSION_ACCEPTED:
		// Reset progress so stale values from an earlier mission don't
		// leak into the new one.
		e.lastCurrentSeq = -1
		e.lastReachedSeq = -1
		result = ResultSuccess
		log.Printf("Mission accepted")
	case common.MAV_MISSION_NO_SPACE:
		log.Printf("Too many mission items: %v", ack.Type)
		result = ResultTooManyMissionItems
	default:
		log.Printf("Mission ack not recognized: %v", ack.Type)
		result = ResultError
	}
	e.mu.Unlock()

	reportResult(callback, result)
}

func (e *Engine) processMissionCurrent(msg message.Message) {
	current, ok := msg.(*common.MessageMissionCurrent)
	if !ok {
		return
	}

	e.mu.Lock()
	var progress func()
	if e.lastCurrentSeq != int(current.Seq) {
		e.lastCurrentSeq = int(current.Seq)
		progress = e.progressNotificationLocked()
	}

	var callback ResultCallback
	if e.activity == activitySetCurrent && int(current.Seq) == e.setCurrentSeq {
		e.transport.UnregisterTimeoutHandler(e.timeoutCookie)
		e.lastCurrentSeq = -1
		e.activity = activityNone
		callback = e.takeResultCallback()
	}
	e.mu.Unlock()

	if progress != nil {
		progress()
	}
	if callback != nil {
		reportResult(callback, ResultSuccess)
	}
}

func (e *Engine) processMissionItemReached(msg message.Message) {
	reached, ok := msg.(*common.MessageMissionItemReached)
	if !ok {
		return
	}

	e.mu.Lock()
	var progress func()
	if e.lastReachedSeq != int(reached.Seq) {
		e.lastReachedSeq = int(reached.Seq)
		progress = e.progressNotificationLocked()
	}
	e.mu.Unlock()

	if progress != nil {
		progress()
	}
}

func (e *Engine) processMissionCount(msg message.Message) {
	count, ok := msg.(*common.MessageMissionCount)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.activity != activityGetMission {
		e.mu.Unlock()
		return
	}
	if !e.addressedToUs(count.TargetSystem, count.TargetComponent) {
		e.mu.Unlock()
		log.Printf("Ignoring mission count that is not for us")
		return
	}

	if count.Count == 0 {
		// Nothing to pull; acknowledge and finish right away.
		e.finishDownloadLocked()
		return
	}

	e.downloadCount = count.Count
	e.expectedSeq = 0
	// Items are now requested one by one on the shorter budget.
	e.transport.UnregisterTimeoutHandler(e.timeoutCookie)
	e.timeoutCookie = e.transport.RegisterTimeoutHandler(retryTimeout, e.processTimeout)
	e.requestNextDownloadItem()
	e.mu.Unlock()
}

func (e *Engine) processMissionItemInt(msg message.Message) {
	item, ok := msg.(*common.MessageMissionItemInt)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.activity != activityGetMission {
		e.mu.Unlock()
		return
	}
	if !e.addressedToUs(item.TargetSystem, item.TargetComponent) {
		e.mu.Unlock()
		log.Printf("Ignoring mission item int that is not for us")
		return
	}

	if item.Seq != e.expectedSeq {
		log.Printf("Received mission item %d instead of %d (ignored)", item.Seq, e.expectedSeq)
		// The autopilot is still responding; re-request in case our
		// request got lost.
		e.transport.RefreshTimeoutHandler(e.timeoutCookie)
		e.requestNextDownloadItem()
		e.mu.Unlock()
		return
	}

	e.downloaded = append(e.downloaded, item)
	e.retries = 0

	if e.expectedSeq+1 == e.downloadCount {
		e.finishDownloadLocked()
		return
	}

	e.expectedSeq++
	e.transport.RefreshTimeoutHandler(e.timeoutCookie)
	e.requestNextDownloadItem()
	e.mu.Unlock()
}

// finishDownloadLocked acknowledges the transfer, raises the buffer and
// completes the download. Called with mu held; releases it.
func (e *Engine) finishDownloadLocked() {
	e.transport.UnregisterTimeoutHandler(e.timeoutCookie)

	targetSystem, targetComponent := e.transport.TargetIDs()
	e.transport.SendMessage(&common.MessageMissionAck{
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
		Type:            common.MAV_MISSION_ACCEPTED,
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})

	items, result := raiseMissionItems(e.downloaded)
	e.downloaded = nil
	e.activity = activityNone
	callback := e.takeDownloadCallback()
	e.mu.Unlock()

	reportDownload(callback, result, items)
}

func (e *Engine) requestNextDownloadItem() {
	targetSystem, targetComponent := e.transport.TargetIDs()
	e.transport.SendMessage(&common.MessageMissionRequestInt{
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
		Seq:             e.expectedSeq,
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})
}

func (e *Engine) processTimeout() {
	e.mu.Lock()

	switch e.activity {
	case activitySetMission:
		// No retry here; the autopilot drives the item requests.
		e.activity = activityNone
		callback := e.takeResultCallback()
		e.mu.Unlock()
		log.Printf("Timed out while uploading mission")
		reportResult(callback, ResultTimeout)

	case activityGetMission:
		if e.retries >= maxRetries {
			e.activity = activityNone
			e.retries = 0
			callback := e.takeDownloadCallback()
			e.mu.Unlock()
			log.Printf("Timed out while downloading mission")
			reportDownload(callback, ResultTimeout, nil)
			return
		}
		e.retries++
		log.Printf("Retrying mission item request %d", e.expectedSeq)
		e.timeoutCookie = e.transport.RegisterTimeoutHandler(retryTimeout, e.processTimeout)
		e.requestNextDownloadItem()
		e.mu.Unlock()

	case activitySetCurrent:
		e.activity = activityNone
		callback := e.takeResultCallback()
		e.mu.Unlock()
		log.Printf("Timed out while setting current mission item")
		reportResult(callback, ResultTimeout)

	default:
		e.mu.Unlock()
		log.Printf("Mission timeout with no activity")
	}
}

func (e *Engine) addressedToUs(targetSystem, targetComponent uint8) bool {
	systemID, componentID := e.transport.OwnIDs()
	return targetSystem == systemID && targetComponent == componentID
}

func (e *Engine) isFinishedLocked() bool {
	if e.lastCurrentSeq < 0 || e.lastReachedSeq < 0 {
		return false
	}
	if len(e.wireItems) == 0 {
		return false
	}
	// "Current" wraps to 0 once the mission is done, so finishing is
	// decided on "reached".
	return e.lastReachedSeq+1 == len(e.wireItems)
}

func (e *Engine) currentMissionItemLocked() int {
	// Report the total as current to signal a finished mission.
	if e.isFinishedLocked() {
		return len(e.items)
	}

	// Progress is exposed in mission items, not wire items.
	if index, ok := e.indexMap[e.lastCurrentSeq]; ok {
		return index
	}
	return -1
}

// progressNotificationLocked captures the progress callback and its
// payload under the lock; the returned closure is invoked after unlock.
func (e *Engine) progressNotificationLocked() func() {
	if e.progressCallback == nil {
		return nil
	}
	callback := e.progressCallback
	current := e.currentMissionItemLocked()
	total := len(e.items)
	return func() {
		callback(current, total)
	}
}

func (e *Engine) takeResultCallback() ResultCallback {
	callback := e.resultCallback
	e.resultCallback = nil
	return callback
}

func (e *Engine) takeDownloadCallback() DownloadCallback {
	callback := e.downloadCallback
	e.downloadCallback = nil
	return callback
}

func reportResult(callback ResultCallback, result Result) {
	if callback == nil {
		log.Printf("Mission result %v dropped, no callback set", result)
		return
	}
	callback(result)
}

func reportDownload(callback DownloadCallback, result Result, items []MissionItem) {
	if callback == nil {
		log.Printf("Mission download result %v dropped, no callback set", result)
		return
	}
	if result != ResultSuccess {
		items = nil
	}
	callback(result, items)
}
