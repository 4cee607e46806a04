// Package controller is the long-lived session process controller. It
// owns the one negotiation engine of the process, serializes every
// command and inbound signaling event onto a single executor, and
// relays incoming-call and call-ended notifications outward.
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/engine"
	"github.com/dkeye/peercall/internal/media"
	"github.com/dkeye/peercall/internal/signal"
	"github.com/dkeye/peercall/internal/store"
)

var ErrNotRunning = errors.New("controller not running")

// Listener receives the two notifications the UI needs: a call to
// accept or ignore, and a forced end to navigate away from.
type Listener interface {
	OnIncomingCall(domain.Event)
	OnCallEnded()
}

type Options struct {
	NegotiationTimeout time.Duration
	Audio              AudioRouter
	// OnEvent, when set, receives every raw mailbox event (diagnostic
	// passthrough).
	OnEvent func(domain.Event)
	// OnRemoteTrack relays inbound media tracks to the presentation
	// layer.
	OnRemoteTrack func(media.RemoteTrack)
}

type Controller struct {
	signal   *signal.Client
	newMedia media.Factory
	opts     Options
	exec     *Executor
	listener Listener

	// Guarded by the executor: every access happens on its goroutine.
	running     bool
	username    string
	engine      *engine.Engine
	cancelInbox store.CancelFunc
}

func New(sig *signal.Client, newMedia media.Factory, listener Listener, opts Options) *Controller {
	if opts.Audio == nil {
		opts.Audio = NopAudioRouter{}
	}
	return &Controller{
		signal:   sig,
		newMedia: newMedia,
		opts:     opts,
		listener: listener,
		exec:     NewExecutor(64),
	}
}

// Deliver queues one command for serialized processing. Order of
// delivery is order of application.
func (c *Controller) Deliver(cmd Command) {
	ok := c.exec.Submit(func() { c.apply(cmd) })
	if !ok {
		log.Warn().Str("module", "controller").Str("cmd", cmd.Type.String()).Msg("command after shutdown dropped")
		c.finish(cmd, ErrNotRunning)
	}
}

// Running reports whether a Start command has been applied. Runs on the
// executor to stay ordered with commands in flight.
func (c *Controller) Running() bool {
	res := make(chan bool, 1)
	if !c.exec.Submit(func() { res <- c.running }) {
		return false
	}
	return <-res
}

func (c *Controller) apply(cmd Command) {
	if !c.running && cmd.Type != CmdStart {
		log.Warn().Str("module", "controller").Str("cmd", cmd.Type.String()).Msg("command before start dropped")
		c.finish(cmd, ErrNotRunning)
		return
	}

	var err error
	switch cmd.Type {
	case CmdStart:
		err = c.handleStart(cmd)
	case CmdRequestCall:
		err = c.engine.SendConnectionRequest(cmd.Target, cmd.IsVideo)
	case CmdSetup:
		err = c.engine.Setup(cmd.IsCaller, cmd.IsVideo, cmd.Target)
	case CmdEndCall:
		err = c.engine.EndCall()
	case CmdSwitchCamera:
		err = c.engine.SwitchCamera()
	case CmdToggleAudio:
		err = c.engine.ToggleAudio(cmd.Muted)
	case CmdToggleVideo:
		err = c.engine.ToggleVideo(cmd.Muted)
	case CmdToggleAudioDevice:
		err = c.opts.Audio.SelectDevice(cmd.Device)
	case CmdToggleScreenShare:
		err = c.engine.ToggleShareScreen(cmd.Starting, cmd.PermissionToken)
	case CmdStop:
		err = c.handleStop()
	default:
		err = errors.New("unknown command")
	}

	if err != nil {
		log.Error().Err(err).Str("module", "controller").Str("cmd", cmd.Type.String()).Msg("command failed")
	}
	c.finish(cmd, err)
}

func (c *Controller) finish(cmd Command, err error) {
	if cmd.Done == nil {
		return
	}
	select {
	case cmd.Done <- err:
	default:
	}
}

// handleStart is idempotent: a second start while running is a no-op.
func (c *Controller) handleStart(cmd Command) error {
	if c.running {
		log.Debug().Str("module", "controller").Msg("start while running ignored")
		return nil
	}
	if c.signal.Username() == "" {
		return signal.ErrNotLoggedIn
	}

	c.engine = engine.New(c.signal, c.newMedia, c.submit, c.opts.NegotiationTimeout, engine.Callbacks{
		OnIncomingCall: func(ev domain.Event) {
			if c.listener != nil {
				c.listener.OnIncomingCall(ev)
			}
		},
		OnCallEnded: func() {
			if c.listener != nil {
				c.listener.OnCallEnded()
			}
		},
		OnEvent:       c.opts.OnEvent,
		OnRemoteTrack: c.opts.OnRemoteTrack,
	})
	if err := c.engine.InitMedia(); err != nil {
		c.engine = nil
		return err
	}

	cancel, err := c.signal.SubscribeInbox(context.Background(), func(ev domain.Event) {
		// Inbox callbacks arrive on transport goroutines; marshal them
		// onto the executor before touching the session.
		c.submit(func() { c.engine.HandleEvent(ev) })
	})
	if err != nil {
		c.engine.Close()
		c.engine = nil
		return err
	}
	c.cancelInbox = cancel
	c.username = cmd.Username
	c.running = true
	log.Info().Str("module", "controller").Str("username", c.username).Msg("started")
	return nil
}

// submit forwards engine callbacks onto the executor. Stale tasks after
// shutdown are dropped.
func (c *Controller) submit(fn func()) {
	_ = c.exec.Submit(func() {
		if c.engine != nil {
			fn()
		}
	})
}

// handleStop ends any live call, logs off and releases the capability.
func (c *Controller) handleStop() error {
	if err := c.engine.EndCall(); err != nil {
		log.Warn().Err(err).Str("module", "controller").Msg("end call on stop")
	}
	if c.cancelInbox != nil {
		c.cancelInbox()
		c.cancelInbox = nil
	}
	if err := c.signal.Logoff(context.Background()); err != nil {
		log.Warn().Err(err).Str("module", "controller").Msg("logoff")
	}
	c.engine.Close()
	c.engine = nil
	c.running = false
	log.Info().Str("module", "controller").Str("username", c.username).Msg("stopped")
	return nil
}

// Shutdown stops the executor itself. Call after a Stop command when
// the process is going away.
func (c *Controller) Shutdown() {
	c.exec.Stop()
}
