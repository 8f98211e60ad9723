// Package media implements a transport.Adapter that drives system
// media playback by invoking an external player process per cue. Its
// only inbound events are cue-completion reports.
package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/hollowoak/scbusd/internal/httpkit"
	"github.com/hollowoak/scbusd/internal/ids"
	"github.com/hollowoak/scbusd/internal/transport"
)

// Cue describes the player invocation for a single event identifier.
type Cue struct {
	// Player is the executable to run (e.g. "mpv", "ffplay").
	Player string
	// Args are passed to Player; "{file}" is substituted with File and
	// "{channel}" with the numeric channel the event was mapped to.
	Args []string
	// File is the media file or URI to play.
	File string
	// Channel identifies which output window/channel this cue targets.
	Channel uint32
	// CompletionEvent, if set, is surfaced through ReadEvents as a Normal
	// result once the player process exits successfully, so the bus
	// dispatches "cue finished" through the same stream as wire-read
	// events rather than a separate side-channel.
	CompletionEvent *ids.Identifier
}

// Config configures the media output adapter.
type Config struct {
	// MediaMap associates an event identifier's numeric value with the
	// cue to play. An AllStop event kills every running player process.
	MediaMap map[uint32]Cue
	// WindowMap associates a channel number with an HTTP endpoint used to
	// raise/position the corresponding output window (optional).
	WindowMap map[uint32]string
	// CueTimeout bounds how long a single player invocation may run.
	CueTimeout time.Duration
	Logger     *slog.Logger
}

// Adapter drives local media playback.
type Adapter struct {
	logger    *slog.Logger
	mediaMap  map[uint32]Cue
	windowMap map[uint32]string
	timeout   time.Duration
	http      *http.Client

	mu      sync.Mutex
	running map[uint32]*exec.Cmd

	// completed buffers completion/failure results from background
	// cmd.Wait() goroutines until the next ReadEvents poll drains them.
	completed chan transport.ReadResult
}

// New creates a media output adapter.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CueTimeout == 0 {
		cfg.CueTimeout = 2 * time.Hour
	}

	mediaMap := cfg.MediaMap
	if mediaMap == nil {
		mediaMap = map[uint32]Cue{}
	}
	windowMap := cfg.WindowMap
	if windowMap == nil {
		windowMap = map[uint32]string{}
	}

	return &Adapter{
		logger:    cfg.Logger.With("adapter", transport.NameMedia),
		mediaMap:  mediaMap,
		windowMap: windowMap,
		timeout:   cfg.CueTimeout,
		http:      httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
		running:   map[uint32]*exec.Cmd{},
		completed: make(chan transport.ReadResult, 32),
	}
}

// ReadEvents drains completion/failure results queued by finished cue
// processes since the last poll. Media output never produces events from
// an external wire, only these self-generated completion notices.
func (a *Adapter) ReadEvents() []transport.ReadResult {
	var out []transport.ReadResult
	for {
		select {
		case r := <-a.completed:
			out = append(out, r)
		default:
			return out
		}
	}
}

func (a *Adapter) play(id ids.Identifier) error {
	if id.Value() == ids.AllStop {
		a.stopAll()
		return nil
	}

	cue, ok := a.mediaMap[id.Value()]
	if !ok {
		return nil // event has no associated media cue
	}

	if win, ok := a.windowMap[cue.Channel]; ok && win != "" {
		a.raiseWindow(win)
	}

	args := make([]string, len(cue.Args))
	for i, arg := range cue.Args {
		switch arg {
		case "{file}":
			arg = cue.File
		case "{channel}":
			arg = fmt.Sprintf("%d", cue.Channel)
		}
		args[i] = arg
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	cmd := exec.CommandContext(ctx, cue.Player, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return transport.WrapErr(transport.NameMedia, "write", fmt.Errorf("start %s: %w", cue.Player, err))
	}

	a.mu.Lock()
	a.running[cue.Channel] = cmd
	a.mu.Unlock()

	go func() {
		defer cancel()
		err := cmd.Wait()
		a.mu.Lock()
		if a.running[cue.Channel] == cmd {
			delete(a.running, cue.Channel)
		}
		a.mu.Unlock()
		if err != nil {
			a.logger.Warn("media cue exited with error",
				"id", id.Value(), "player", cue.Player, "error", err, "stderr", stderr.String())
			a.queueCompletion(transport.WriteErr(
				transport.WrapErr(transport.NameMedia, "write", fmt.Errorf("cue %d: %s: %w", id.Value(), cue.Player, err))))
			return
		}
		if cue.CompletionEvent != nil {
			a.queueCompletion(transport.Normal(*cue.CompletionEvent, 0, cue.Channel))
		}
	}()

	return nil
}

// queueCompletion enqueues r without blocking; a media adapter that
// produces completions faster than the bus polls drops the oldest rather
// than stalling the player-exit goroutine.
func (a *Adapter) queueCompletion(r transport.ReadResult) {
	select {
	case a.completed <- r:
	default:
		select {
		case <-a.completed:
		default:
		}
		select {
		case a.completed <- r:
		default:
		}
	}
}

func (a *Adapter) stopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ch, cmd := range a.running {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		delete(a.running, ch)
	}
}

func (a *Adapter) raiseWindow(endpoint string) {
	req, err := http.NewRequest(http.MethodPost, endpoint, nil)
	if err != nil {
		a.logger.Warn("media: build window request", "error", err)
		return
	}
	resp, err := a.http.Do(req)
	if err != nil {
		a.logger.Warn("media: raise window failed", "endpoint", endpoint, "error", err)
		return
	}
	httpkit.DrainAndClose(resp.Body, 1024)
}

// WriteEvent plays the cue mapped to id, if any.
func (a *Adapter) WriteEvent(id ids.Identifier, data1, data2 uint32) error {
	return a.play(id)
}

// EchoEvent plays the cue mapped to id, same as WriteEvent: media output
// has no distinct "echo vs originate" behavior.
func (a *Adapter) EchoEvent(id ids.Identifier, data1, data2 uint32) error {
	return a.play(id)
}

// Close stops every running player process.
func (a *Adapter) Close() error {
	a.stopAll()
	return nil
}
