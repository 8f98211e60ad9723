// Package handler defines the messages exchanged between the system
// connection bus and the rest of the daemon: inbound events dispatched
// from the bus to the internal event handler, and operator requests
// translated from the web control plane into bus/handler commands.
package handler

import (
	"time"

	"github.com/hollowoak/scbusd/internal/ids"
)

// Dispatch is sent from the bus to the internal event handler for every
// event read off an adapter (after the echo fan-out and identity filter
// have already run). Broadcast is always false for bus-originated
// dispatches: an event read from one connection is never automatically
// rebroadcast back out to the adapters by the handler that processes
// it. It is true only when a processEvent request explicitly asked for
// one.
type Dispatch struct {
	Event       ids.Event
	CheckScene  bool
	Broadcast   bool
	ReceiveTime time.Time
}

// Severity distinguishes Update log levels surfaced to the operator UI.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Update carries a log-worthy condition from the bus or handler out to
// any interested listener (currently the webapi websocket fan-out).
type Update struct {
	Severity Severity
	Message  string
	At       time.Time
}

// Modification describes a single edit applied by an edit request. The
// concrete shape of an item's editable fields is outside this package's
// scope; it is carried here as an opaque key/value pair so the bus and
// webapi layers can agree on wire shape without depending on a config
// package.
type Modification struct {
	ItemID ids.Identifier
	Field  string
	Value  string
}

// EventDelay pairs an item to fire with an optional delay before firing.
// A nil Delay means "fire immediately."
type EventDelay struct {
	Delay *time.Duration
	Event ids.Identifier
}

// RequestKind identifies which UserRequest variant a Request carries.
type RequestKind string

const (
	KindAllEventChange RequestKind = "allEventChange"
	KindAllStop        RequestKind = "allStop"
	KindBroadcastEvent RequestKind = "broadcastEvent"
	KindClearQueue     RequestKind = "clearQueue"
	KindClose          RequestKind = "close"
	KindConfigFile     RequestKind = "configFile"
	KindCueEvent       RequestKind = "cueEvent"
	KindDebugMode      RequestKind = "debugMode"
	KindEdit           RequestKind = "edit"
	KindErrorLog       RequestKind = "errorLog"
	KindEventChange    RequestKind = "eventChange"
	KindGameLog        RequestKind = "gameLog"
	KindProcessEvent   RequestKind = "processEvent"
	KindRedraw         RequestKind = "redraw"
	KindSaveConfig     RequestKind = "saveConfig"
	KindSceneChange    RequestKind = "sceneChange"
	KindStatusChange   RequestKind = "statusChange"
)

// Request is a single operator command, translated from an HTTP/websocket
// request by internal/webapi. Only the fields relevant to Kind are set.
type Request struct {
	Kind RequestKind

	// AllEventChange
	Adjustment time.Duration
	IsNegative bool

	// BroadcastEvent, CueEvent, ProcessEvent, SceneChange, StatusChange,
	// EventChange
	EventID    ids.Identifier
	EventDelay EventDelay
	Data       *uint32
	CheckScene bool
	Broadcast  bool
	SceneID    ids.Identifier
	StatusID   ids.Identifier
	StateID    ids.Identifier
	StartTime  time.Time
	NewDelay   *time.Duration

	// ConfigFile, SaveConfig, ErrorLog, GameLog
	Filepath string

	// DebugMode
	IsDebug bool

	// Edit
	Modifications []Modification
}

// Reply is returned to the web control plane for every Request.
type Reply struct {
	Success bool
	Message string
	// Item is not set by anything in this repository: getItem lookups
	// bypass Request entirely (see internal/webapi: getItem is parsed
	// from a URL path segment and answered through Handler.GetItem).
	Item *ids.DescriptivePair
}

// Success builds a successful reply with an informational message.
func Success(message string) Reply {
	return Reply{Success: true, Message: message}
}

// Failure builds a failed reply with an explanatory message.
func Failure(message string) Reply {
	return Reply{Success: false, Message: message}
}

// Handler processes dispatches from the bus and requests from the web
// control plane. It is the seam where a full scene/status state machine
// would plug in; the reference implementation in this package keeps
// only an item registry and a debug flag, logs each dispatch, and keeps
// no scene or status record.
type Handler interface {
	// HandleDispatch processes an event the bus has already echoed and
	// identity-filtered.
	HandleDispatch(d Dispatch)

	// HandleRequest processes an operator request and returns a reply.
	HandleRequest(r Request) Reply

	// GetItem looks up descriptive metadata for an item id, used by the
	// getItem HTTP endpoint.
	GetItem(id ids.Identifier) (ids.DescriptivePair, bool)
}
