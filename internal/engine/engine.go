// Package engine is the session negotiation core: it owns the single
// live call, interprets inbound signaling events, drives the media
// capability through the offer/answer/candidate exchange and exposes
// the call control commands.
//
// The engine is not self-synchronizing. Commands and HandleEvent must
// run on the serialized executor the engine was built with; callbacks
// arriving from the capability are marshaled onto it internally. The
// terminal transition is single-fire: whichever of a local end command
// and a remote EndCall arrives first wins, the loser observes the
// session already gone and no-ops.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/media"
)

var (
	ErrBusy         = errors.New("another call is active")
	ErrNoActiveCall = errors.New("no active call")
	ErrNoTarget     = errors.New("call target not set")
)

// Signaling is the slice of the signal adapter the engine needs.
type Signaling interface {
	Send(ctx context.Context, ev domain.Event) error
	SetStatus(ctx context.Context, status domain.Status) error
	ClearInbox(ctx context.Context) error
}

// Callbacks surface engine output. All fire on the executor; nil
// entries are skipped.
type Callbacks struct {
	// OnIncomingCall delivers a fresh call invitation for the UI to
	// accept or ignore.
	OnIncomingCall func(domain.Event)
	// OnCallEnded fires exactly once per session on any terminal path.
	OnCallEnded func()
	// OnEvent is the raw mailbox passthrough for diagnostics.
	OnEvent func(domain.Event)
	// OnRemoteTrack relays inbound media tracks to the presentation
	// layer.
	OnRemoteTrack func(media.RemoteTrack)
}

type Engine struct {
	signaler Signaling
	newMedia media.Factory
	exec     func(func())
	cb       Callbacks

	// negotiationTimeout bounds how long a session may sit outside
	// Connected before it is torn down. Zero disables the bound.
	negotiationTimeout time.Duration

	// Everything below is touched only on the executor.
	ctx      context.Context
	media    media.Session
	mediaGen int
	sess     *Session
	invite   *domain.Event
	timer    *time.Timer
}

func New(signaler Signaling, newMedia media.Factory, exec func(func()), negotiationTimeout time.Duration, cb Callbacks) *Engine {
	return &Engine{
		signaler:           signaler,
		newMedia:           newMedia,
		exec:               exec,
		cb:                 cb,
		negotiationTimeout: negotiationTimeout,
		ctx:                context.Background(),
	}
}

// State reports the current lifecycle state.
func (e *Engine) State() State {
	switch {
	case e.sess != nil:
		return e.sess.State
	case e.invite != nil:
		return StateIncomingPending
	default:
		return StateIdle
	}
}

// Session returns a copy of the live session, if any.
func (e *Engine) Session() (Session, bool) {
	if e.sess == nil {
		return Session{}, false
	}
	return *e.sess, true
}

// InitMedia builds a fresh capability instance and wires its event
// stream back into the executor. Called at startup and after every
// terminated call so the next one needs no process restart.
func (e *Engine) InitMedia() error {
	m, err := e.newMedia()
	if err != nil {
		return err
	}
	e.media = m
	e.mediaGen++
	gen := e.mediaGen

	// Callbacks capture the generation: anything fired by a capability
	// instance that has since been replaced is stale and ignored.
	m.OnICECandidate(func(candidate string) {
		e.exec(func() { e.onLocalCandidate(gen, candidate) })
	})
	m.OnConnectionStateChange(func(st media.State) {
		e.exec(func() { e.onMediaState(gen, st) })
	})
	m.OnRemoteTrack(func(t media.RemoteTrack) {
		e.exec(func() {
			if e.mediaGen == gen && e.cb.OnRemoteTrack != nil {
				e.cb.OnRemoteTrack(t)
			}
		})
	})
	log.Info().Str("module", "engine").Int("gen", gen).Msg("media capability ready")
	return nil
}

// SendConnectionRequest sends the call invitation and opens the
// outgoing-pending session. No media setup happens yet.
func (e *Engine) SendConnectionRequest(target string, isVideo bool) error {
	if e.sess != nil {
		return ErrBusy
	}
	t := domain.EventStartAudioCall
	if isVideo {
		t = domain.EventStartVideoCall
	}
	if err := e.signaler.Send(e.ctx, domain.NewEvent(t, target, "")); err != nil {
		return err
	}
	e.sess = &Session{
		ID:           uuid.NewString(),
		Target:       target,
		Role:         RoleCaller,
		State:        StateOutgoingPending,
		VideoEnabled: isVideo,
	}
	e.armTimeout()
	log.Info().Str("module", "engine").Str("target", target).Bool("video", isVideo).Msg("connection request sent")
	return nil
}

// Setup binds the call parameters once the UI commits to the call. The
// accepting side (isCaller false) opens negotiation by sending the
// Offer; the initiating side waits for it.
func (e *Engine) Setup(isCaller, isVideo bool, target string) error {
	if target == "" {
		return ErrNoTarget
	}
	if isCaller {
		if e.sess == nil {
			return ErrNoActiveCall
		}
		e.sess.Target = target
		e.sess.VideoEnabled = isVideo
		return nil
	}

	if e.sess != nil {
		return ErrBusy
	}
	e.invite = nil
	e.sess = &Session{
		ID:           uuid.NewString(),
		Target:       target,
		Role:         RoleCallee,
		State:        StateOutgoingPending,
		VideoEnabled: isVideo,
	}
	e.armTimeout()
	return e.StartCall()
}

// StartCall creates the local offer and ships it to the target.
func (e *Engine) StartCall() error {
	if e.sess == nil {
		return ErrNoActiveCall
	}
	if e.sess.Target == "" {
		return ErrNoTarget
	}
	offer, err := e.media.CreateOffer()
	if err != nil {
		e.teardown(true)
		return err
	}
	if err := e.signaler.Send(e.ctx, domain.NewEvent(domain.EventOffer, e.sess.Target, offer)); err != nil {
		e.teardown(true)
		return err
	}
	e.sess.State = StateNegotiating
	log.Info().Str("module", "engine").Str("target", e.sess.Target).Msg("offer sent")
	return nil
}

// HandleEvent processes one inbound mailbox event. Must run on the
// executor.
func (e *Engine) HandleEvent(ev domain.Event) {
	if e.cb.OnEvent != nil {
		e.cb.OnEvent(ev)
	}

	switch ev.Type {
	case domain.EventStartVideoCall, domain.EventStartAudioCall:
		e.onInvite(ev)
	case domain.EventOffer:
		e.onOffer(ev)
	case domain.EventAnswer:
		e.onAnswer(ev)
	case domain.EventIceCandidate:
		e.onRemoteCandidate(ev)
	case domain.EventEndCall:
		e.terminate()
	default:
		log.Warn().Str("module", "engine").Str("type", string(ev.Type)).Msg("unknown event type")
	}
}

func (e *Engine) onInvite(ev domain.Event) {
	if !ev.Valid() {
		log.Debug().Str("module", "engine").Str("sender", ev.Sender).Msg("stale invitation dropped")
		return
	}
	if e.sess != nil {
		log.Warn().Str("module", "engine").Str("sender", ev.Sender).Msg("invitation while busy dropped")
		return
	}
	e.invite = &ev
	if e.cb.OnIncomingCall != nil {
		e.cb.OnIncomingCall(ev)
	}
}

// onOffer applies the remote description and answers in one step, with
// no other event interleaving on the executor.
func (e *Engine) onOffer(ev domain.Event) {
	if e.sess == nil || e.sess.Target == "" {
		log.Debug().Str("module", "engine").Msg("offer without session dropped")
		return
	}
	if e.sess.State == StateConnected {
		log.Error().Str("module", "engine").Msg("offer while connected: protocol violation")
		e.teardown(true)
		return
	}
	if err := e.media.SetRemoteDescription(media.SDPOffer, ev.Data); err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("apply remote offer")
		e.teardown(true)
		return
	}
	answer, err := e.media.CreateAnswer()
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("create answer")
		e.teardown(true)
		return
	}
	if err := e.signaler.Send(e.ctx, domain.NewEvent(domain.EventAnswer, e.sess.Target, answer)); err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("send answer")
		e.teardown(true)
		return
	}
	e.sess.State = StateNegotiating
	log.Info().Str("module", "engine").Str("target", e.sess.Target).Msg("answer sent")
}

func (e *Engine) onAnswer(ev domain.Event) {
	if e.sess == nil || e.sess.Target == "" {
		log.Debug().Str("module", "engine").Msg("answer without session dropped")
		return
	}
	if e.sess.State == StateConnected {
		log.Error().Str("module", "engine").Msg("answer while connected: protocol violation")
		e.teardown(true)
		return
	}
	if err := e.media.SetRemoteDescription(media.SDPAnswer, ev.Data); err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("apply remote answer")
		e.teardown(true)
	}
}

// onRemoteCandidate hands the candidate to the capability. Failures are
// logged and the candidate dropped, never fatal to the session.
func (e *Engine) onRemoteCandidate(ev domain.Event) {
	if e.sess == nil || e.sess.Target == "" {
		log.Debug().Str("module", "engine").Msg("candidate without session dropped")
		return
	}
	if err := e.media.AddICECandidate(ev.Data); err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("candidate dropped")
	}
}

// onLocalCandidate forwards a capability-discovered candidate to the
// peer. Outbound side effect of the capability's own event stream.
func (e *Engine) onLocalCandidate(gen int, candidate string) {
	if gen != e.mediaGen || e.sess == nil || e.sess.Target == "" {
		return
	}
	if err := e.signaler.Send(e.ctx, domain.NewEvent(domain.EventIceCandidate, e.sess.Target, candidate)); err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("candidate send failed")
	}
}

func (e *Engine) onMediaState(gen int, st media.State) {
	if gen != e.mediaGen {
		return
	}
	switch st {
	case media.StateConnected:
		if e.sess == nil || e.sess.connectedOnce {
			return
		}
		e.sess.connectedOnce = true
		e.sess.State = StateConnected
		e.disarmTimeout()
		if err := e.signaler.SetStatus(e.ctx, domain.StatusInCall); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("presence IN_CALL write failed")
		}
		// Clearing the mailbox here defends against replaying a stale
		// negotiation message if the listener is ever re-attached.
		if err := e.signaler.ClearInbox(e.ctx); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("inbox clear failed")
		}
		log.Info().Str("module", "engine").Str("target", e.sess.Target).Msg("call connected")
	case media.StateFailed, media.StateClosed:
		if e.sess != nil {
			log.Warn().Str("module", "engine").Str("state", st.String()).Msg("capability lost, ending call")
			e.terminate()
		}
	}
}

// EndCall is the local hang-up: tell the peer, then tear down.
func (e *Engine) EndCall() error {
	if e.sess != nil && e.sess.Target != "" {
		if err := e.signaler.Send(e.ctx, domain.NewEvent(domain.EventEndCall, e.sess.Target, "")); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("end-call send failed")
		}
	}
	e.terminate()
	return nil
}

// terminate is the single-fire terminal transition shared by local
// hang-up, remote EndCall and capability failure.
func (e *Engine) terminate() {
	e.invite = nil
	if e.sess == nil {
		return
	}
	e.teardown(true)
}

// teardown releases the session: close the capability, go back ONLINE,
// stand up a fresh capability for the next call, notify listeners.
func (e *Engine) teardown(notify bool) {
	if e.sess == nil {
		return
	}
	target := e.sess.Target
	e.sess.State = StateEnded
	e.sess = nil
	e.disarmTimeout()

	if e.media != nil {
		if err := e.media.Close(); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("media close")
		}
	}
	if err := e.signaler.SetStatus(e.ctx, domain.StatusOnline); err != nil {
		log.Warn().Err(err).Str("module", "engine").Msg("presence ONLINE write failed")
	}
	if err := e.InitMedia(); err != nil {
		log.Error().Err(err).Str("module", "engine").Msg("media re-init failed")
	}
	log.Info().Str("module", "engine").Str("target", target).Msg("call ended")
	if notify && e.cb.OnCallEnded != nil {
		e.cb.OnCallEnded()
	}
}

// Close releases the engine without standing up a replacement
// capability. Used on controller stop.
func (e *Engine) Close() {
	e.invite = nil
	e.disarmTimeout()
	if e.sess != nil {
		e.sess.State = StateEnded
		e.sess = nil
	}
	if e.media != nil {
		if err := e.media.Close(); err != nil {
			log.Warn().Err(err).Str("module", "engine").Msg("media close")
		}
		e.media = nil
		e.mediaGen++
	}
}

func (e *Engine) requireLive() (*Session, error) {
	if e.sess == nil {
		return nil, ErrNoActiveCall
	}
	if e.sess.State != StateNegotiating && e.sess.State != StateConnected {
		return nil, ErrNoActiveCall
	}
	return e.sess, nil
}

func (e *Engine) ToggleAudio(muted bool) error {
	s, err := e.requireLive()
	if err != nil {
		return err
	}
	if err := e.media.ToggleAudio(muted); err != nil {
		return err
	}
	s.AudioMuted = muted
	return nil
}

func (e *Engine) ToggleVideo(muted bool) error {
	s, err := e.requireLive()
	if err != nil {
		return err
	}
	if err := e.media.ToggleVideo(muted); err != nil {
		return err
	}
	s.VideoEnabled = !muted
	return nil
}

func (e *Engine) SwitchCamera() error {
	if _, err := e.requireLive(); err != nil {
		return err
	}
	return e.media.SwitchCamera()
}

// ToggleShareScreen starts or stops screen sharing. Camera video and
// screen capture feed the same outbound track, so starting the share
// mutes an active camera first and stopping it restores the prior
// state.
func (e *Engine) ToggleShareScreen(starting bool, permissionToken string) error {
	s, err := e.requireLive()
	if err != nil {
		return err
	}
	if starting {
		s.wasVideoBeforeShare = s.VideoEnabled
		if s.VideoEnabled {
			if err := e.media.ToggleVideo(true); err != nil {
				return err
			}
			s.VideoEnabled = false
		}
		if err := e.media.StartScreenCapture(permissionToken); err != nil {
			// Failed toggle: put the camera back, session unaffected.
			if s.wasVideoBeforeShare {
				if verr := e.media.ToggleVideo(false); verr == nil {
					s.VideoEnabled = true
				}
			}
			return err
		}
		s.ScreenSharing = true
		return nil
	}

	if err := e.media.StopScreenCapture(); err != nil {
		return err
	}
	s.ScreenSharing = false
	if s.wasVideoBeforeShare {
		if err := e.media.ToggleVideo(false); err != nil {
			return err
		}
		s.VideoEnabled = true
	}
	return nil
}

func (e *Engine) armTimeout() {
	e.disarmTimeout()
	if e.negotiationTimeout <= 0 || e.sess == nil {
		return
	}
	id := e.sess.ID
	e.timer = time.AfterFunc(e.negotiationTimeout, func() {
		e.exec(func() {
			if e.sess == nil || e.sess.ID != id || e.sess.State == StateConnected {
				return
			}
			log.Warn().Str("module", "engine").Str("target", e.sess.Target).Msg("negotiation timed out")
			e.teardown(true)
		})
	})
}

func (e *Engine) disarmTimeout() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
