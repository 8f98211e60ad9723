// Package dmx implements a write-only transport.Adapter that drives a
// DMX-512 universe over a serial DMX interface. This adapter never
// produces inbound events.
package dmx

import (
	"fmt"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/hollowoak/scbusd/internal/ids"
	"github.com/hollowoak/scbusd/internal/transport"
)

// universeSize is the number of channels in a standard DMX-512 universe.
const universeSize = 512

// Config configures a DMX output connection.
type Config struct {
	Path string
	// AllStopValue is the channel value written to every mapped channel
	// when an AllStop event is received.
	AllStopValue byte
	// ChannelMap associates an event identifier's numeric value with the
	// DMX channel (1-512) it controls.
	ChannelMap map[uint32]uint16
	Logger     *slog.Logger
}

// Adapter drives a DMX universe. It only ever returns empty ReadEvents.
type Adapter struct {
	logger  *slog.Logger
	port    serial.Port
	allStop byte
	chanMap map[uint32]uint16

	mu       sync.Mutex
	universe [universeSize]byte
}

// New opens the DMX serial interface.
func New(cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mode := &serial.Mode{BaudRate: 250000, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.NoParity}
	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("dmx: open %s: %w", cfg.Path, err)
	}

	chanMap := cfg.ChannelMap
	if chanMap == nil {
		chanMap = map[uint32]uint16{}
	}

	return &Adapter{
		logger:  cfg.Logger.With("adapter", transport.NameDMX, "path", cfg.Path),
		port:    port,
		allStop: cfg.AllStopValue,
		chanMap: chanMap,
	}, nil
}

// ReadEvents always returns nil: DMX output is write-only.
func (a *Adapter) ReadEvents() []transport.ReadResult {
	return nil
}

func (a *Adapter) set(id ids.Identifier, data2 uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id.Value() == ids.AllStop {
		for _, ch := range a.chanMap {
			if ch >= 1 && int(ch) <= universeSize {
				a.universe[ch-1] = a.allStop
			}
		}
		return a.send()
	}

	ch, ok := a.chanMap[id.Value()]
	if !ok {
		return nil // event not mapped to any DMX channel: not an error
	}
	if ch < 1 || int(ch) > universeSize {
		return fmt.Errorf("dmx: channel %d out of range", ch)
	}
	a.universe[ch-1] = byte(data2)
	return a.send()
}

func (a *Adapter) send() error {
	if _, err := a.port.Write(a.universe[:]); err != nil {
		return transport.WrapErr(transport.NameDMX, "write", err)
	}
	return nil
}

// WriteEvent updates the DMX universe for id's mapped channel.
func (a *Adapter) WriteEvent(id ids.Identifier, data1, data2 uint32) error {
	return a.set(id, data2)
}

// EchoEvent applies the same update as WriteEvent; DMX has no notion of
// distinguishing an echoed event from an originated one.
func (a *Adapter) EchoEvent(id ids.Identifier, data1, data2 uint32) error {
	return a.set(id, data2)
}

// Close releases the serial port.
func (a *Adapter) Close() error {
	return a.port.Close()
}
