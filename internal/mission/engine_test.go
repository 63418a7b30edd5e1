package mission

import (
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmlgti/DroneCore/internal/gcs"
)

const (
	ownSystemID     = 245
	ownComponentID  = 190
	vehicleSystemID = 1
	vehicleComponID = 1
)

type fakeTimeout struct {
	duration  time.Duration
	cb        func()
	refreshed int
}

// fakeTransport implements Transport with manually fired timeouts, so
// engine tests control time.
type fakeTransport struct {
	mu         sync.Mutex
	sent       []message.Message
	handlers   map[uint32][]func(message.Message)
	timeouts   map[gcs.TimeoutCookie]*fakeTimeout
	nextCookie gcs.TimeoutCookie
	missionInt bool
	sendErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:   make(map[uint32][]func(message.Message)),
		timeouts:   make(map[gcs.TimeoutCookie]*fakeTimeout),
		missionInt: true,
	}
}

func (f *fakeTransport) SendMessage(msg message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) RegisterMessageHandler(msgID uint32, handler func(message.Message)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgID] = append(f.handlers[msgID], handler)
}

func (f *fakeTransport) RegisterTimeoutHandler(d time.Duration, cb func()) gcs.TimeoutCookie {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCookie++
	f.timeouts[f.nextCookie] = &fakeTimeout{duration: d, cb: cb}
	return f.nextCookie
}

func (f *fakeTransport) RefreshTimeoutHandler(cookie gcs.TimeoutCookie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.timeouts[cookie]; ok {
		entry.refreshed++
	}
}

func (f *fakeTransport) UnregisterTimeoutHandler(cookie gcs.TimeoutCookie) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.timeouts, cookie)
}

func (f *fakeTransport) OwnIDs() (uint8, uint8) {
	return ownSystemID, ownComponentID
}

func (f *fakeTransport) TargetIDs() (uint8, uint8) {
	return vehicleSystemID, vehicleComponID
}

func (f *fakeTransport) SupportsMissionInt() bool {
	return f.missionInt
}

// deliver dispatches an incoming message the way the event loop would.
func (f *fakeTransport) deliver(msg message.Message) {
	f.mu.Lock()
	handlers := append(([]func(message.Message))(nil), f.handlers[msg.GetID()]...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(msg)
	}
}

// fireTimeout fires the most recently armed timeout.
func (f *fakeTransport) fireTimeout(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	var latest gcs.TimeoutCookie
	for cookie := range f.timeouts {
		if cookie > latest {
			latest = cookie
		}
	}
	entry := f.timeouts[latest]
	delete(f.timeouts, latest)
	f.mu.Unlock()

	require.NotNil(t, entry, "no timeout armed")
	entry.cb()
}

func (f *fakeTransport) sentMessages() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Message(nil), f.sent...)
}

func (f *fakeTransport) armedTimeouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timeouts)
}

type fakeModes struct {
	mode gcs.FlightMode
	cb   func(gcs.CommandResult)
}

func (f *fakeModes) SetFlightModeAsync(mode gcs.FlightMode, cb func(gcs.CommandResult)) {
	f.mode = mode
	f.cb = cb
}

func newTestEngine() (*Engine, *fakeTransport, *fakeModes) {
	transport := newFakeTransport()
	modes := &fakeModes{}
	return NewEngine(transport, modes), transport, modes
}

func waypoint(lat, lon float64, alt float32) MissionItem {
	item := NewMissionItem()
	item.LatitudeDeg = lat
	item.LongitudeDeg = lon
	item.RelativeAltitudeM = alt
	return item
}

func collectResult(t *testing.T) (ResultCallback, func() Result) {
	t.Helper()
	results := make([]Result, 0, 1)
	callback := func(result Result) {
		results = append(results, result)
	}
	return callback, func() Result {
		require.Len(t, results, 1, "expected exactly one completion")
		return results[0]
	}
}

func TestUploadSingleWaypoint(t *testing.T) {
	engine, transport, _ := newTestEngine()

	callback, result := collectResult(t)
	engine.UploadMissionAsync([]MissionItem{waypoint(41.848695, 75.132751, 50.3)}, callback)

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	count, ok := sent[0].(*common.MessageMissionCount)
	require.True(t, ok)
	assert.Equal(t, uint16(1), count.Count)
	assert.Equal(t, uint8(vehicleSystemID), count.TargetSystem)
	assert.Equal(t, common.MAV_MISSION_TYPE_MISSION, count.MissionType)

	transport.deliver(&common.MessageMissionRequestInt{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Seq:             0,
	})

	sent = transport.sentMessages()
	require.Len(t, sent, 2)
	item, ok := sent[1].(*common.MessageMissionItemInt)
	require.True(t, ok)
	assert.Equal(t, uint16(0), item.Seq)
	assert.Equal(t, common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT, item.Frame)
	assert.Equal(t, common.MAV_CMD_NAV_WAYPOINT, item.Command)
	assert.Equal(t, int32(418486950), item.X)
	assert.Equal(t, int32(751327510), item.Y)
	assert.InDelta(t, 50.3, item.Z, 0.001)
	assert.Equal(t, uint8(1), item.Current)

	transport.deliver(&common.MessageMissionAck{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Type:            common.MAV_MISSION_ACCEPTED,
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	})

	assert.Equal(t, ResultSuccess, result())
	assert.Equal(t, 0, transport.armedTimeouts())
}

func TestUploadWhileUploadingIsBusy(t *testing.T) {
	engine, _, _ := newTestEngine()

	engine.UploadMissionAsync([]MissionItem{waypoint(1, 2, 10)}, func(Result) {})

	callback, result := collectResult(t)
	engine.UploadMissionAsync([]MissionItem{waypoint(1, 2, 10)}, callback)
	assert.Equal(t, ResultBusy, result())
}

func TestUploadWithoutMissionIntSupport(t *testing.T) {
	engine, transport, _ := newTestEngine()
	transport.missionInt = false

	callback, result := collectResult(t)
	engine.UploadMissionAsync([]MissionItem{waypoint(1, 2, 10)}, callback)
	assert.Equal(t, ResultError, result())
	assert.Empty(t, transport.sentMessages())
}

func TestUploadNacksLegacyMissionRequest(t *testing.T) {
	engine, transport, _ := newTestEngine()

	engine.UploadMissionAsync([]MissionItem{waypoint(1, 2, 10)}, func(Result) {})
	transport.deliver(&common.MessageMissionRequest{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Seq:             0,
	})

	sent := transport.sentMessages()
	require.Len(t, sent, 2)
	ack, ok := sent[1].(*common.MessageMissionAck)
	require.True(t, ok)
	assert.Equal(t, common.MAV_MISSION_UNSUPPORTED, ack.Type)
}

func TestUploadNoSpace(t *testing.T) {
	engine, transport, _ := newTestEngine()

	callback, result := collectResult(t)
	engine.UploadMissionAsync([]MissionItem{waypoint(1, 2, 10)}, callback)
	transport.deliver(&common.MessageMissionAck{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Type:            common.MAV_MISSION_NO_SPACE,
	})

	assert.Equal(t, ResultTooManyMissionItems, result())
}

func TestUploadTimeout(t *testing.T) {
	engine, transport, _ := newTestEngine()

	callback, result := collectResult(t)
	engine.UploadMissionAsync([]MissionItem{waypoint(1, 2, 10)}, callback)
	transport.fireTimeout(t)

	assert.Equal(t, ResultTimeout, result())

	// The slot is free again.
	callback2, result2 := collectResult(t)
	engine.UploadMissionAsync([]MissionItem{waypoint(1, 2, 10)}, callback2)
	transport.deliver(&common.MessageMissionAck{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Type:            common.MAV_MISSION_ACCEPTED,
	})
	assert.Equal(t, ResultSuccess, result2())
}

func TestUploadIgnoresForeignMessages(t *testing.T) {
	engine, transport, _ := newTestEngine()

	engine.UploadMissionAsync([]MissionItem{waypoint(1, 2, 10)}, func(Result) {})
	transport.deliver(&common.MessageMissionRequestInt{
		TargetSystem:    99,
		TargetComponent: 99,
		Seq:             0,
	})

	// Only the mission count went out.
	assert.Len(t, transport.sentMessages(), 1)
}

func downloadedWaypoint(seq uint16, lat, lon float64, alt float32) *common.MessageMissionItemInt {
	return &common.MessageMissionItemInt{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Seq:             seq,
		Frame:           common.MAV_FRAME_GLOBAL_RELATIVE_ALT_INT,
		Command:         common.MAV_CMD_NAV_WAYPOINT,
		Param1:          1,
		X:               int32(lat * 1e7),
		Y:               int32(lon * 1e7),
		Z:               alt,
		MissionType:     common.MAV_MISSION_TYPE_MISSION,
	}
}

func TestDownloadMission(t *testing.T) {
	engine, transport, _ := newTestEngine()

	var gotResult Result
	var gotItems []MissionItem
	engine.DownloadMissionAsync(func(result Result, items []MissionItem) {
		gotResult = result
		gotItems = items
	})

	sent := transport.sentMessages()
	require.Len(t, sent, 1)
	_, ok := sent[0].(*common.MessageMissionRequestList)
	require.True(t, ok)

	transport.deliver(&common.MessageMissionCount{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Count:           2,
	})

	sent = transport.sentMessages()
	require.Len(t, sent, 2)
	request, ok := sent[1].(*common.MessageMissionRequestInt)
	require.True(t, ok)
	assert.Equal(t, uint16(0), request.Seq)

	transport.deliver(downloadedWaypoint(0, 47.398170, 8.545649, 20))

	sent = transport.sentMessages()
	require.Len(t, sent, 3)
	request, ok = sent[2].(*common.MessageMissionRequestInt)
	require.True(t, ok)
	assert.Equal(t, uint16(1), request.Seq)

	transport.deliver(&common.MessageMissionItemInt{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Seq:             1,
		Frame:           common.MAV_FRAME_MISSION,
		Command:         common.MAV_CMD_VIDEO_START_CAPTURE,
	})

	sent = transport.sentMessages()
	require.Len(t, sent, 4)
	ack, ok := sent[3].(*common.MessageMissionAck)
	require.True(t, ok)
	assert.Equal(t, common.MAV_MISSION_ACCEPTED, ack.Type)

	assert.Equal(t, ResultSuccess, gotResult)
	require.Len(t, gotItems, 1)
	assert.True(t, gotItems[0].HasPosition())
	assert.InDelta(t, 47.398170, gotItems[0].LatitudeDeg, 1e-6)
	assert.Equal(t, CameraActionStartVideo, gotItems[0].CameraAction)
}

func TestDownloadRetriesThenTimesOut(t *testing.T) {
	engine, transport, _ := newTestEngine()

	callback, result := collectDownloadResult(t)
	engine.DownloadMissionAsync(callback)
	transport.deliver(&common.MessageMissionCount{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Count:           2,
	})

	// Three losses retried, the fourth gives up.
	for i := 0; i < 3; i++ {
		transport.fireTimeout(t)
	}
	requests := 0
	for _, msg := range transport.sentMessages() {
		if _, ok := msg.(*common.MessageMissionRequestInt); ok {
			requests++
		}
	}
	assert.Equal(t, 4, requests) // initial request plus three retries

	transport.fireTimeout(t)
	assert.Equal(t, ResultTimeout, result())
}

func TestDownloadIgnoresOutOfOrderItem(t *testing.T) {
	engine, transport, _ := newTestEngine()

	engine.DownloadMissionAsync(func(Result, []MissionItem) {})
	transport.deliver(&common.MessageMissionCount{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Count:           2,
	})
	transport.deliver(downloadedWaypoint(1, 1, 1, 10))

	// The expected item got re-requested, nothing acked yet.
	sent := transport.sentMessages()
	last, ok := sent[len(sent)-1].(*common.MessageMissionRequestInt)
	require.True(t, ok)
	assert.Equal(t, uint16(0), last.Seq)
}

func TestDownloadEmptyMission(t *testing.T) {
	engine, transport, _ := newTestEngine()

	callback, result := collectDownloadResult(t)
	engine.DownloadMissionAsync(callback)
	transport.deliver(&common.MessageMissionCount{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Count:           0,
	})

	assert.Equal(t, ResultNoMissionAvailable, result())
}

func collectDownloadResult(t *testing.T) (DownloadCallback, func() Result) {
	t.Helper()
	results := make([]Result, 0, 1)
	callback := func(result Result, _ []MissionItem) {
		results = append(results, result)
	}
	return callback, func() Result {
		require.Len(t, results, 1, "expected exactly one completion")
		return results[0]
	}
}

// uploadTwoWaypoints drives a full upload so the engine holds a mission.
func uploadTwoWaypoints(t *testing.T, engine *Engine, transport *fakeTransport) {
	t.Helper()
	callback, result := collectResult(t)
	engine.UploadMissionAsync([]MissionItem{
		waypoint(47.1, 8.1, 10),
		waypoint(47.2, 8.2, 20),
	}, callback)
	transport.deliver(&common.MessageMissionAck{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Type:            common.MAV_MISSION_ACCEPTED,
	})
	require.Equal(t, ResultSuccess, result())
}

func TestSetCurrentWithoutMappingIsInvalid(t *testing.T) {
	engine, transport, _ := newTestEngine()

	callback, result := collectResult(t)
	engine.SetCurrentMissionItemAsync(2, callback)

	assert.Equal(t, ResultInvalidArgument, result())
	assert.Empty(t, transport.sentMessages())
}

func TestSetCurrentMissionItem(t *testing.T) {
	engine, transport, _ := newTestEngine()
	uploadTwoWaypoints(t, engine, transport)

	callback, result := collectResult(t)
	engine.SetCurrentMissionItemAsync(1, callback)

	sent := transport.sentMessages()
	setCurrent, ok := sent[len(sent)-1].(*common.MessageMissionSetCurrent)
	require.True(t, ok)
	assert.Equal(t, uint16(1), setCurrent.Seq)

	transport.deliver(&common.MessageMissionCurrent{Seq: 1})
	assert.Equal(t, ResultSuccess, result())
}

func TestSetCurrentTimesOut(t *testing.T) {
	engine, transport, _ := newTestEngine()
	uploadTwoWaypoints(t, engine, transport)

	callback, result := collectResult(t)
	engine.SetCurrentMissionItemAsync(0, callback)
	transport.fireTimeout(t)

	assert.Equal(t, ResultTimeout, result())
}

func TestStartAndPauseMission(t *testing.T) {
	engine, _, modes := newTestEngine()

	callback, result := collectResult(t)
	engine.StartMissionAsync(callback)
	assert.Equal(t, gcs.FlightModeMission, modes.mode)
	modes.cb(gcs.CommandResultSuccess)
	assert.Equal(t, ResultSuccess, result())

	callback2, result2 := collectResult(t)
	engine.PauseMissionAsync(callback2)
	assert.Equal(t, gcs.FlightModeHold, modes.mode)
	modes.cb(gcs.CommandResultDenied)
	assert.Equal(t, ResultError, result2())
}

func TestProgressReporting(t *testing.T) {
	engine, transport, _ := newTestEngine()
	uploadTwoWaypoints(t, engine, transport)

	type progress struct{ current, total int }
	var notifications []progress
	engine.SubscribeProgress(func(current, total int) {
		notifications = append(notifications, progress{current, total})
	})

	transport.deliver(&common.MessageMissionCurrent{Seq: 0})
	require.Len(t, notifications, 1)
	assert.Equal(t, progress{0, 2}, notifications[0])
	assert.False(t, engine.IsMissionFinished())

	// Duplicate current is suppressed.
	transport.deliver(&common.MessageMissionCurrent{Seq: 0})
	assert.Len(t, notifications, 1)

	transport.deliver(&common.MessageMissionItemReached{Seq: 0})
	require.Len(t, notifications, 2)
	assert.Equal(t, progress{0, 2}, notifications[1])

	transport.deliver(&common.MessageMissionCurrent{Seq: 1})
	require.Len(t, notifications, 3)
	assert.Equal(t, progress{1, 2}, notifications[2])

	transport.deliver(&common.MessageMissionItemReached{Seq: 1})
	require.Len(t, notifications, 4)
	assert.True(t, engine.IsMissionFinished())
	assert.Equal(t, progress{2, 2}, notifications[3])
	assert.Equal(t, engine.TotalMissionItems(), engine.CurrentMissionItem())
}

func TestCurrentEqualsTotalOnlyWhenFinished(t *testing.T) {
	engine, transport, _ := newTestEngine()
	uploadTwoWaypoints(t, engine, transport)

	transport.deliver(&common.MessageMissionCurrent{Seq: 0})
	transport.deliver(&common.MessageMissionItemReached{Seq: 0})
	assert.False(t, engine.IsMissionFinished())
	assert.NotEqual(t, engine.TotalMissionItems(), engine.CurrentMissionItem())

	transport.deliver(&common.MessageMissionItemReached{Seq: 1})
	assert.True(t, engine.IsMissionFinished())
	assert.Equal(t, engine.TotalMissionItems(), engine.CurrentMissionItem())
}

func TestStopCancelsDownload(t *testing.T) {
	engine, transport, _ := newTestEngine()

	callback, result := collectDownloadResult(t)
	engine.DownloadMissionAsync(callback)
	engine.Stop()

	assert.Equal(t, ResultError, result())
	assert.Equal(t, 0, transport.armedTimeouts())

	// The slot is free again.
	callbackUpload, resultUpload := collectResult(t)
	engine.UploadMissionAsync([]MissionItem{waypoint(1, 2, 10)}, callbackUpload)
	transport.deliver(&common.MessageMissionAck{
		TargetSystem:    ownSystemID,
		TargetComponent: ownComponentID,
		Type:            common.MAV_MISSION_ACCEPTED,
	})
	assert.Equal(t, ResultSuccess, resultUpload())
}
