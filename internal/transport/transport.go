// Package transport defines the contract every connection adapter must
// satisfy to participate in the system connection bus: reading inbound
// events, writing outbound events, and echoing events seen on one
// adapter out to the others.
package transport

import (
	"errors"
	"fmt"

	"github.com/hollowoak/scbusd/internal/ids"
)

// ErrWouldBlock is returned by WriteEvent/EchoEvent implementations that
// choose to drop rather than block when their underlying transport is
// backed up. The bus treats it the same as any other write error.
var ErrWouldBlock = errors.New("transport: write would block")

// ResultKind tags a ReadResult's variant.
type ResultKind int

const (
	// ResultNormal carries a successfully read event.
	ResultNormal ResultKind = iota
	// ResultReadError indicates a failure while reading from the adapter.
	ResultReadError
	// ResultWriteError indicates a failure while writing to the adapter,
	// surfaced asynchronously (e.g. from a background I/O goroutine).
	ResultWriteError
)

// ReadResult is the tagged variant returned by Adapter.ReadEvents: a
// normal event, a read error, or an asynchronously surfaced write
// error.
type ReadResult struct {
	Kind  ResultKind
	Event ids.Event // valid when Kind == ResultNormal
	Err   error     // valid when Kind == ResultReadError or ResultWriteError
}

// Normal builds a ResultNormal ReadResult.
func Normal(id ids.Identifier, data1, data2 uint32) ReadResult {
	return ReadResult{Kind: ResultNormal, Event: ids.Event{ID: id, Data1: data1, Data2: data2}}
}

// ReadErr builds a ResultReadError ReadResult.
func ReadErr(err error) ReadResult {
	return ReadResult{Kind: ResultReadError, Err: err}
}

// WriteErr builds a ResultWriteError ReadResult.
func WriteErr(err error) ReadResult {
	return ReadResult{Kind: ResultWriteError, Err: err}
}

// Adapter is the contract every connection type (serial, DMX, ZMQ,
// media, MQTT) must implement to participate in the bus's polling loop.
type Adapter interface {
	// ReadEvents drains and returns any events currently available from
	// the underlying transport. It must not block; adapters that read
	// from a blocking source should buffer internally (e.g. via a
	// background goroutine feeding a channel) and have ReadEvents drain
	// that buffer non-blockingly.
	ReadEvents() []ReadResult

	// WriteEvent sends a new event to the underlying system. Adapters
	// whose medium reflects their own output back (comedyserial,
	// mqttbridge) remember what WriteEvent and EchoEvent sent and drop
	// the reflection on the read side.
	WriteEvent(id ids.Identifier, data1, data2 uint32) error

	// EchoEvent forwards an event that was just read from a different
	// adapter out to this adapter's underlying system, so every
	// connected system observes every event regardless of origin.
	EchoEvent(id ids.Identifier, data1, data2 uint32) error

	// Close releases any resources held by the adapter (file handles,
	// sockets, background goroutines).
	Close() error
}

// Name identifies an adapter kind for logging and health reporting.
type Name string

const (
	NameComedySerial Name = "comedy_serial"
	NameDMX          Name = "dmx"
	NameZMQPrimary   Name = "zmq_primary"
	NameZMQSecondary Name = "zmq_secondary"
	NameMedia        Name = "media"
	NameMQTTBridge   Name = "mqtt_bridge"
)

// WrapErr annotates an adapter error with its adapter name, matching the
// "Communication {Read,Write} Error: %v" phrasing used throughout the
// bus's logging.
func WrapErr(name Name, verb string, err error) error {
	return fmt.Errorf("%s %s error (%s): %w", "communication", verb, name, err)
}
