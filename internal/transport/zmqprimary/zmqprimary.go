// Package zmqprimary implements a transport.Adapter that binds ZeroMQ
// sockets (a PUB for outbound/echo and a SUB for inbound) so that one or
// more zmqsecondary peers can connect to it.
package zmqprimary

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/hollowoak/scbusd/internal/ids"
	"github.com/hollowoak/scbusd/internal/transport"
)

// Config configures a ZMQ primary (binding) connection.
type Config struct {
	// SendPath is the endpoint this adapter binds to publish on
	// (e.g. "tcp://*:5570").
	SendPath string
	// RecvPath is the endpoint this adapter binds to subscribe on
	// (e.g. "tcp://*:5571").
	RecvPath string
	Logger   *slog.Logger
}

// wireSize is the fixed frame width shared with zmqsecondary: three
// big-endian uint32 words (id, data1, data2).
const wireSize = 12

// Adapter is a live, bound ZMQ primary connection.
type Adapter struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	pub zmq4.Socket
	sub zmq4.Socket

	pending chan transport.ReadResult
	wg      sync.WaitGroup
}

// New binds the publish and subscribe sockets and starts a background
// receive loop.
func New(cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	pub := zmq4.NewPub(ctx)
	if err := pub.Listen(cfg.SendPath); err != nil {
		cancel()
		return nil, fmt.Errorf("zmqprimary: bind pub %s: %w", cfg.SendPath, err)
	}

	sub := zmq4.NewSub(ctx)
	if err := sub.Listen(cfg.RecvPath); err != nil {
		cancel()
		pub.Close()
		return nil, fmt.Errorf("zmqprimary: bind sub %s: %w", cfg.RecvPath, err)
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		pub.Close()
		sub.Close()
		return nil, fmt.Errorf("zmqprimary: subscribe: %w", err)
	}

	a := &Adapter{
		logger:  cfg.Logger.With("adapter", transport.NameZMQPrimary),
		ctx:     ctx,
		cancel:  cancel,
		pub:     pub,
		sub:     sub,
		pending: make(chan transport.ReadResult, 256),
	}

	a.wg.Add(1)
	go a.recvLoop()

	return a, nil
}

func (a *Adapter) recvLoop() {
	defer a.wg.Done()
	for {
		msg, err := a.sub.Recv()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			a.emit(transport.ReadErr(fmt.Errorf("zmqprimary: recv: %w", err)))
			continue
		}
		if len(msg.Frames) == 0 || len(msg.Frames[0]) != wireSize {
			size := 0
			if len(msg.Frames) > 0 {
				size = len(msg.Frames[0])
			}
			a.emit(transport.ReadErr(fmt.Errorf("zmqprimary: malformed frame (%d bytes)", size)))
			continue
		}
		id, data1, data2 := decode(msg.Frames[0])
		a.emit(transport.Normal(ids.NewUnchecked(id), data1, data2))
	}
}

func (a *Adapter) emit(r transport.ReadResult) {
	select {
	case a.pending <- r:
	case <-a.ctx.Done():
	default:
		a.logger.Warn("zmqprimary read buffer full, dropping result")
	}
}

// ReadEvents drains accumulated results.
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

func encode(id ids.Identifier, data1, data2 uint32) []byte {
	buf := make([]byte, wireSize)
	putU32(buf[0:4], id.Value())
	putU32(buf[4:8], data1)
	putU32(buf[8:12], data2)
	return buf
}

func decode(buf []byte) (id, data1, data2 uint32) {
	return getU32(buf[0:4]), getU32(buf[4:8]), getU32(buf[8:12])
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (a *Adapter) publish(id ids.Identifier, data1, data2 uint32) error {
	if err := a.pub.Send(zmq4.NewMsgFrom(encode(id, data1, data2))); err != nil {
		return transport.WrapErr(transport.NameZMQPrimary, "write", err)
	}
	return nil
}

// WriteEvent publishes a new event to any connected secondaries.
func (a *Adapter) WriteEvent(id ids.Identifier, data1, data2 uint32) error {
	return a.publish(id, data1, data2)
}

// EchoEvent republishes an event observed on another adapter.
func (a *Adapter) EchoEvent(id ids.Identifier, data1, data2 uint32) error {
	return a.publish(id, data1, data2)
}

// Close shuts down both sockets and the receive goroutine.
func (a *Adapter) Close() error {
	a.cancel()
	errPub := a.pub.Close()
	errSub := a.sub.Close()
	a.wg.Wait()
	if errPub != nil {
		return errPub
	}
	return errSub
}
