// Package comedyserial implements a transport.Adapter over a serial port
// speaking the Comedy Comm protocol: a simple framed id/data1/data2
// event format used by legacy show-control hardware.
package comedyserial

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/hollowoak/scbusd/internal/ids"
	"github.com/hollowoak/scbusd/internal/transport"
)

// frameSize is the wire size of one Comedy Comm frame: a sync byte,
// a big-endian u32 id, and two big-endian u32 data words.
const frameSize = 1 + 4 + 4 + 4

const syncByte = 0xAA

// loopbackWindow bounds how long a self-written frame is remembered for
// echo suppression. A shared serial bus reflects every frame this
// adapter writes back to its own reader; without suppression each
// WriteEvent/EchoEvent would re-arrive as a bogus inbound event on the
// next poll. Kept slightly larger than a typical polling interval.
const loopbackWindow = 250 * time.Millisecond

// wireFrame is the comparable key for the self-sent cache.
type wireFrame struct {
	id    uint32
	data1 uint32
	data2 uint32
}

// Config configures a comedy serial connection.
type Config struct {
	Path   string
	Baud   int
	Logger *slog.Logger
}

// Adapter is a live connection to a Comedy Comm serial device.
type Adapter struct {
	logger *slog.Logger

	mu   sync.Mutex
	port serial.Port

	reader *bufio.Reader

	pending chan transport.ReadResult
	closed  chan struct{}
	wg      sync.WaitGroup

	selfMu   sync.Mutex
	selfSent map[wireFrame]time.Time
}

// New opens the serial port at cfg.Path and starts a background reader
// goroutine that feeds a buffered channel drained by ReadEvents.
func New(cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	mode := &serial.Mode{BaudRate: cfg.Baud}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}

	port, err := serial.Open(cfg.Path, mode)
	if err != nil {
		return nil, fmt.Errorf("comedyserial: open %s: %w", cfg.Path, err)
	}

	a := &Adapter{
		logger:   cfg.Logger.With("adapter", transport.NameComedySerial, "path", cfg.Path),
		port:     port,
		reader:   bufio.NewReaderSize(port, 4096),
		pending:  make(chan transport.ReadResult, 256),
		closed:   make(chan struct{}),
		selfSent: make(map[wireFrame]time.Time),
	}

	a.wg.Add(1)
	go a.readLoop()

	return a, nil
}

func (a *Adapter) readLoop() {
	defer a.wg.Done()
	frame := make([]byte, frameSize)

	for {
		select {
		case <-a.closed:
			return
		default:
		}

		if _, err := io.ReadFull(a.reader, frame[:1]); err != nil {
			a.emit(transport.ReadErr(fmt.Errorf("comedyserial: read sync byte: %w", err)))
			continue
		}
		if frame[0] != syncByte {
			continue // resync on next byte
		}
		if _, err := io.ReadFull(a.reader, frame[1:]); err != nil {
			a.emit(transport.ReadErr(fmt.Errorf("comedyserial: read frame body: %w", err)))
			continue
		}

		id := binary.BigEndian.Uint32(frame[1:5])
		data1 := binary.BigEndian.Uint32(frame[5:9])
		data2 := binary.BigEndian.Uint32(frame[9:13])

		if a.isSelfOriginated(wireFrame{id: id, data1: data1, data2: data2}) {
			continue
		}

		itemID := ids.NewUnchecked(id)
		a.emit(transport.Normal(itemID, data1, data2))
	}
}

// isSelfOriginated reports whether f matches a frame this adapter wrote
// within the last loopbackWindow, pruning stale entries as it goes so
// selfSent never grows unbounded.
func (a *Adapter) isSelfOriginated(f wireFrame) bool {
	a.selfMu.Lock()
	defer a.selfMu.Unlock()
	now := time.Now()
	for k, sentAt := range a.selfSent {
		if now.Sub(sentAt) > loopbackWindow {
			delete(a.selfSent, k)
		}
	}
	sentAt, ok := a.selfSent[f]
	if ok {
		delete(a.selfSent, f)
	}
	return ok && now.Sub(sentAt) <= loopbackWindow
}

func (a *Adapter) markSelf(f wireFrame) {
	a.selfMu.Lock()
	defer a.selfMu.Unlock()
	a.selfSent[f] = time.Now()
}

func (a *Adapter) emit(r transport.ReadResult) {
	select {
	case a.pending <- r:
	case <-a.closed:
	default:
		a.logger.Warn("comedyserial read buffer full, dropping result")
	}
}

// ReadEvents drains whatever results have accumulated since the last call.
func (a *Adapter) ReadEvents() []transport.ReadResult {
	var out []transport.ReadResult
	for {
		select {
		case r := <-a.pending:
			out = append(out, r)
		default:
			return out
		}
	}
}

func (a *Adapter) writeFrame(id ids.Identifier, data1, data2 uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	frame := make([]byte, frameSize)
	frame[0] = syncByte
	binary.BigEndian.PutUint32(frame[1:5], id.Value())
	binary.BigEndian.PutUint32(frame[5:9], data1)
	binary.BigEndian.PutUint32(frame[9:13], data2)

	if _, err := a.port.Write(frame); err != nil {
		return transport.WrapErr(transport.NameComedySerial, "write", err)
	}
	return nil
}

// WriteEvent sends a new event onto the serial line, remembering the
// frame so the bus's reflection of it is not read back as inbound.
func (a *Adapter) WriteEvent(id ids.Identifier, data1, data2 uint32) error {
	a.markSelf(wireFrame{id: id.Value(), data1: data1, data2: data2})
	return a.writeFrame(id, data1, data2)
}

// EchoEvent forwards an event read elsewhere onto this serial line,
// with the same loopback suppression as WriteEvent.
func (a *Adapter) EchoEvent(id ids.Identifier, data1, data2 uint32) error {
	a.markSelf(wireFrame{id: id.Value(), data1: data1, data2: data2})
	return a.writeFrame(id, data1, data2)
}

// Close stops the reader goroutine and releases the serial port.
func (a *Adapter) Close() error {
	close(a.closed)
	err := a.port.Close()
	a.wg.Wait()
	return err
}
