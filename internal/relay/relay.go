// Package relay is the client-facing façade over the session process
// controller. Each user intent becomes one discrete command message;
// the relay itself holds no session state.
package relay

import (
	"github.com/dkeye/peercall/internal/controller"
)

type Relay struct {
	ctl *controller.Controller
}

func New(ctl *controller.Controller) *Relay {
	return &Relay{ctl: ctl}
}

// ensureStarted delivers a Start ahead of the command when the
// controller is not yet running, so the first intent is never dropped
// against a controller that has not materialized.
func (r *Relay) ensureStarted(username string) {
	if !r.ctl.Running() {
		r.ctl.Deliver(controller.Command{Type: controller.CmdStart, Username: username})
	}
}

// Start brings the controller up for the given identity. Idempotent.
func (r *Relay) Start(username string) {
	r.ctl.Deliver(controller.Command{Type: controller.CmdStart, Username: username})
}

// StartAndWait is Start with completion, for callers that need the
// controller live before proceeding.
func (r *Relay) StartAndWait(username string) error {
	done := make(chan error, 1)
	r.ctl.Deliver(controller.Command{Type: controller.CmdStart, Username: username, Done: done})
	return <-done
}

// RequestCall sends the invitation to target. Completion only means the
// invitation reached the target's mailbox.
func (r *Relay) RequestCall(username, target string, isVideo bool) error {
	r.ensureStarted(username)
	done := make(chan error, 1)
	r.ctl.Deliver(controller.Command{
		Type:    controller.CmdRequestCall,
		IsVideo: isVideo,
		Target:  target,
		Done:    done,
	})
	return <-done
}

// Setup commits to a call: binds the target and, on the accepting side,
// opens negotiation.
func (r *Relay) Setup(username string, isCaller, isVideo bool, target string) {
	r.ensureStarted(username)
	r.ctl.Deliver(controller.Command{
		Type:     controller.CmdSetup,
		IsCaller: isCaller,
		IsVideo:  isVideo,
		Target:   target,
	})
}

func (r *Relay) SendEndCall() {
	r.ctl.Deliver(controller.Command{Type: controller.CmdEndCall})
}

func (r *Relay) SwitchCamera() {
	r.ctl.Deliver(controller.Command{Type: controller.CmdSwitchCamera})
}

func (r *Relay) ToggleAudio(muted bool) {
	r.ctl.Deliver(controller.Command{Type: controller.CmdToggleAudio, Muted: muted})
}

func (r *Relay) ToggleVideo(muted bool) {
	r.ctl.Deliver(controller.Command{Type: controller.CmdToggleVideo, Muted: muted})
}

func (r *Relay) ToggleAudioDevice(device controller.AudioDevice) {
	r.ctl.Deliver(controller.Command{Type: controller.CmdToggleAudioDevice, Device: device})
}

// ToggleScreenShare starts or stops the share. The permission token is
// the opaque capture grant obtained by the presentation layer.
func (r *Relay) ToggleScreenShare(starting bool, permissionToken string) {
	r.ctl.Deliver(controller.Command{
		Type:            controller.CmdToggleScreenShare,
		Starting:        starting,
		PermissionToken: permissionToken,
	})
}

// Stop tears the controller down; the returned channel yields the
// outcome once the live call ended and the identity logged off.
func (r *Relay) Stop() <-chan error {
	done := make(chan error, 1)
	r.ctl.Deliver(controller.Command{Type: controller.CmdStop, Done: done})
	return done
}
