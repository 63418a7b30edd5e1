package mission

// Result is the outcome of a mission operation, delivered through the
// operation's completion callback.
type Result int

const (
	ResultSuccess Result = iota
	ResultBusy
	ResultTimeout
	ResultTooManyMissionItems
	ResultUnsupported
	ResultNoMissionAvailable
	ResultInvalidArgument
	ResultFailedToOpenQGCPlan
	ResultFailedToParseQGCPlan
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultBusy:
		return "busy"
	case ResultTimeout:
		return "timeout"
	case ResultTooManyMissionItems:
		return "too-many-mission-items"
	case ResultUnsupported:
		return "unsupported"
	case ResultNoMissionAvailable:
		return "no-mission-available"
	case ResultInvalidArgument:
		return "invalid-argument"
	case ResultFailedToOpenQGCPlan:
		return "failed-to-open-qgc-plan"
	case ResultFailedToParseQGCPlan:
		return "failed-to-parse-qgc-plan"
	case ResultError:
		return "error"
	}
	return "unknown"
}

// ResultCallback completes an asynchronous mission operation.
type ResultCallback func(result Result)

// DownloadCallback completes a mission download. The items are only
// valid when result is ResultSuccess.
type DownloadCallback func(result Result, items []MissionItem)

// ProgressCallback is invoked whenever mission execution progress
// changes, with the current mission item index and the total number of
// mission items.
type ProgressCallback func(current, total int)
