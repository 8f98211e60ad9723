// Package connection builds transport.Adapter instances from configured
// connection descriptors, one per adapter kind.
package connection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hollowoak/scbusd/internal/transport"
	"github.com/hollowoak/scbusd/internal/transport/comedyserial"
	"github.com/hollowoak/scbusd/internal/transport/dmx"
	"github.com/hollowoak/scbusd/internal/transport/media"
	"github.com/hollowoak/scbusd/internal/transport/mqttbridge"
	"github.com/hollowoak/scbusd/internal/transport/zmqprimary"
	"github.com/hollowoak/scbusd/internal/transport/zmqsecondary"
)

// Kind identifies which adapter a Descriptor configures. It reuses
// transport.Name's string values so log lines from the bus and from this
// package agree.
type Kind = transport.Name

// Descriptor is a tagged union of per-adapter configuration. Exactly one
// of the Kind-matching fields is meaningful for a given descriptor.
type Descriptor struct {
	Kind Kind

	ComedySerial comedyserial.Config
	DMX          dmx.Config
	ZMQPrimary   zmqprimary.Config
	ZMQSecondary zmqsecondary.Config
	Media        media.Config
	MQTTBridge   mqttbridge.Config
}

// Initialize constructs the transport.Adapter described by d. The
// returned adapter is already connected/listening; callers are
// responsible for calling Close when done.
func Initialize(ctx context.Context, d Descriptor, logger *slog.Logger) (transport.Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch d.Kind {
	case transport.NameComedySerial:
		cfg := d.ComedySerial
		cfg.Logger = logger
		return comedyserial.New(cfg)

	case transport.NameDMX:
		cfg := d.DMX
		cfg.Logger = logger
		return dmx.New(cfg)

	case transport.NameZMQPrimary:
		cfg := d.ZMQPrimary
		cfg.Logger = logger
		return zmqprimary.New(cfg)

	case transport.NameZMQSecondary:
		cfg := d.ZMQSecondary
		cfg.Logger = logger
		return zmqsecondary.New(cfg)

	case transport.NameMedia:
		cfg := d.Media
		cfg.Logger = logger
		return media.New(cfg), nil

	case transport.NameMQTTBridge:
		cfg := d.MQTTBridge
		cfg.Logger = logger
		return mqttbridge.New(ctx, cfg)

	default:
		return nil, fmt.Errorf("connection: unknown kind %q", d.Kind)
	}
}

// Set is an ordered collection of named, initialized adapters. Order is
// preserved so the echo fan-out visits every other adapter in a
// deterministic sequence.
type Set struct {
	names    []string
	adapters map[string]transport.Adapter
}

// NewSet initializes every descriptor in order. A descriptor that fails
// to initialize is logged and skipped rather than aborting the whole
// set; the returned broken flag is true whenever at least one
// descriptor failed.
func NewSet(ctx context.Context, descriptors map[string]Descriptor, order []string, logger *slog.Logger) (s *Set, broken bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	s = &Set{adapters: make(map[string]transport.Adapter, len(order))}
	for _, name := range order {
		d, ok := descriptors[name]
		if !ok {
			return nil, false, fmt.Errorf("connection: no descriptor named %q", name)
		}
		adapter, initErr := Initialize(ctx, d, logger.With("connection", name))
		if initErr != nil {
			logger.Error("System Connection Error", "connection", name, "error", initErr)
			broken = true
			continue
		}
		s.names = append(s.names, name)
		s.adapters[name] = adapter
	}
	return s, broken, nil
}

// NewSetFromAdapters builds a Set from already-constructed adapters,
// skipping the descriptor-driven Initialize step. It exists for tests
// that need to drive the bus's poll loop against in-memory fakes; the
// ordering and lookup semantics are identical to a set built by NewSet.
func NewSetFromAdapters(order []string, adapters map[string]transport.Adapter) *Set {
	s := &Set{adapters: make(map[string]transport.Adapter, len(order))}
	for _, name := range order {
		if a, ok := adapters[name]; ok {
			s.names = append(s.names, name)
			s.adapters[name] = a
		}
	}
	return s
}

// Names returns adapter names in configured order.
func (s *Set) Names() []string {
	return s.names
}

// Get returns the adapter registered under name.
func (s *Set) Get(name string) (transport.Adapter, bool) {
	a, ok := s.adapters[name]
	return a, ok
}

// Others returns every adapter except the one named exclude, in
// configured order. Used by the bus to echo an event read from one
// connection to all the others.
func (s *Set) Others(exclude string) []string {
	out := make([]string, 0, len(s.names))
	for _, name := range s.names {
		if name != exclude {
			out = append(out, name)
		}
	}
	return out
}

// CloseAll closes every adapter, collecting the first error encountered
// but attempting to close the rest regardless.
func (s *Set) CloseAll() error {
	var first error
	for _, name := range s.names {
		if a, ok := s.adapters[name]; ok {
			if err := a.Close(); err != nil && first == nil {
				first = fmt.Errorf("connection: close %q: %w", name, err)
			}
		}
	}
	return first
}
