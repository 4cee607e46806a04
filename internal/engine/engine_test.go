package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/media"
)

// serialExec is the test stand-in for the controller executor: one
// mutex, so engine entry points and capability callbacks never overlap.
type serialExec struct{ mu sync.Mutex }

func (x *serialExec) run(fn func()) {
	x.mu.Lock()
	defer x.mu.Unlock()
	fn()
}

type fakeSignaler struct {
	mu       sync.Mutex
	sent     []domain.Event
	statuses []domain.Status
	clears   int
	sendErr  error
}

func (f *fakeSignaler) Send(_ context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeSignaler) SetStatus(_ context.Context, st domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, st)
	return nil
}

func (f *fakeSignaler) ClearInbox(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeSignaler) sentOfType(t domain.EventType) []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, ev := range f.sent {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (f *fakeSignaler) statusCount(st domain.Status) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statuses {
		if s == st {
			n++
		}
	}
	return n
}

// fakeMedia records every capability call in order and lets the test
// fire the callbacks a real peer connection would.
type fakeMedia struct {
	mu      sync.Mutex
	ops     []string
	onICE   func(string)
	onState func(media.State)
	onTrack func(media.RemoteTrack)

	offerErr  error
	answerErr error
	shareErr  error
	closed    bool
}

func (m *fakeMedia) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

func (m *fakeMedia) CreateOffer() (string, error) {
	m.record("CreateOffer")
	return "local-offer", m.offerErr
}

func (m *fakeMedia) CreateAnswer() (string, error) {
	m.record("CreateAnswer")
	return "local-answer", m.answerErr
}

func (m *fakeMedia) SetRemoteDescription(kind media.SDPKind, _ string) error {
	m.record("SetRemoteDescription:" + string(kind))
	return nil
}

func (m *fakeMedia) AddICECandidate(string) error {
	m.record("AddICECandidate")
	return nil
}

func (m *fakeMedia) OnICECandidate(fn func(string))               { m.onICE = fn }
func (m *fakeMedia) OnConnectionStateChange(fn func(media.State)) { m.onState = fn }
func (m *fakeMedia) OnRemoteTrack(fn func(media.RemoteTrack))     { m.onTrack = fn }

func (m *fakeMedia) ToggleAudio(muted bool) error {
	m.record(fmt.Sprintf("ToggleAudio:%v", muted))
	return nil
}

func (m *fakeMedia) ToggleVideo(muted bool) error {
	m.record(fmt.Sprintf("ToggleVideo:%v", muted))
	return nil
}

func (m *fakeMedia) SwitchCamera() error {
	m.record("SwitchCamera")
	return nil
}

func (m *fakeMedia) StartScreenCapture(string) error {
	m.record("StartScreenCapture")
	return m.shareErr
}

func (m *fakeMedia) StopScreenCapture() error {
	m.record("StopScreenCapture")
	return nil
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMedia) opList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

type harness struct {
	t      *testing.T
	sig    *fakeSignaler
	ex     *serialExec
	eng    *Engine
	medias []*fakeMedia

	endedCount int
	ended      chan struct{}
	invites    []domain.Event
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	h := &harness{
		t:     t,
		sig:   &fakeSignaler{},
		ex:    &serialExec{},
		ended: make(chan struct{}, 8),
	}
	factory := func() (media.Session, error) {
		m := &fakeMedia{}
		h.medias = append(h.medias, m)
		return m, nil
	}
	h.eng = New(h.sig, factory, h.ex.run, timeout, Callbacks{
		OnIncomingCall: func(ev domain.Event) { h.invites = append(h.invites, ev) },
		OnCallEnded: func() {
			h.endedCount++
			select {
			case h.ended <- struct{}{}:
			default:
			}
		},
	})
	h.do(func() {
		if err := h.eng.InitMedia(); err != nil {
			t.Fatalf("init media: %v", err)
		}
	})
	return h
}

// do runs fn on the serialized executor, like the controller would.
func (h *harness) do(fn func()) { h.ex.run(fn) }

// media returns the capability instance currently wired to the engine.
func (h *harness) media() *fakeMedia {
	var m *fakeMedia
	h.do(func() { m = h.medias[len(h.medias)-1] })
	return m
}

// connect drives the engine to Connected as the accepting side.
func (h *harness) connect(target string, video bool) {
	h.do(func() {
		if err := h.eng.Setup(false, video, target); err != nil {
			h.t.Fatalf("setup: %v", err)
		}
	})
	h.media().onState(media.StateConnected)
}

func index(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}

func TestAcceptingSideSendsOffer(t *testing.T) {
	h := newHarness(t, 0)

	h.do(func() {
		if err := h.eng.Setup(false, true, "alice"); err != nil {
			t.Fatalf("setup: %v", err)
		}
		if got := h.eng.State(); got != StateNegotiating {
			t.Fatalf("state=%v want negotiating", got)
		}
	})

	offers := h.sig.sentOfType(domain.EventOffer)
	if len(offers) != 1 || offers[0].Target != "alice" || offers[0].Data != "local-offer" {
		t.Fatalf("unexpected offers: %+v", offers)
	}
}

func TestOfferAppliedBeforeAnswerCreated(t *testing.T) {
	h := newHarness(t, 0)

	h.do(func() {
		if err := h.eng.SendConnectionRequest("bob", true); err != nil {
			t.Fatalf("request: %v", err)
		}
		if got := h.eng.State(); got != StateOutgoingPending {
			t.Fatalf("state=%v want outgoing_pending", got)
		}
	})
	if len(h.sig.sentOfType(domain.EventStartVideoCall)) != 1 {
		t.Fatal("invitation not sent")
	}

	h.do(func() {
		h.eng.HandleEvent(domain.Event{Type: domain.EventOffer, Sender: "bob", Data: "their-offer"})
	})

	ops := h.media().opList()
	applied := index(ops, "SetRemoteDescription:offer")
	answered := index(ops, "CreateAnswer")
	if applied < 0 || answered < 0 || applied > answered {
		t.Fatalf("remote offer must be applied before answering, ops=%v", ops)
	}
	answers := h.sig.sentOfType(domain.EventAnswer)
	if len(answers) != 1 || answers[0].Target != "bob" || answers[0].Data != "local-answer" {
		t.Fatalf("unexpected answers: %+v", answers)
	}
	h.do(func() {
		if got := h.eng.State(); got != StateNegotiating {
			t.Fatalf("state=%v want negotiating", got)
		}
	})
}

func TestAnswerApplied(t *testing.T) {
	h := newHarness(t, 0)
	h.do(func() {
		if err := h.eng.Setup(false, false, "alice"); err != nil {
			t.Fatal(err)
		}
		h.eng.HandleEvent(domain.Event{Type: domain.EventAnswer, Sender: "alice", Data: "their-answer"})
	})
	if index(h.media().opList(), "SetRemoteDescription:answer") < 0 {
		t.Fatalf("answer not applied, ops=%v", h.media().opList())
	}
}

func TestCandidateWithoutSessionDropped(t *testing.T) {
	h := newHarness(t, 0)
	h.do(func() {
		h.eng.HandleEvent(domain.Event{Type: domain.EventIceCandidate, Sender: "bob", Data: "{}"})
	})
	if index(h.media().opList(), "AddICECandidate") >= 0 {
		t.Fatal("candidate before any description must be dropped")
	}
}

func TestConnectedEffectsSingleFire(t *testing.T) {
	h := newHarness(t, 0)
	h.connect("alice", false)
	m := h.media()

	// The capability may repeat the connected signal.
	m.onState(media.StateConnected)
	m.onState(media.StateConnected)

	if got := h.sig.statusCount(domain.StatusInCall); got != 1 {
		t.Fatalf("IN_CALL written %d times, want 1", got)
	}
	h.sig.mu.Lock()
	clears := h.sig.clears
	h.sig.mu.Unlock()
	if clears != 1 {
		t.Fatalf("inbox cleared %d times, want 1", clears)
	}
	h.do(func() {
		if got := h.eng.State(); got != StateConnected {
			t.Fatalf("state=%v want connected", got)
		}
	})
}

func TestEndCallIdempotent(t *testing.T) {
	h := newHarness(t, 0)
	h.connect("alice", false)
	first := h.media()

	var errs [2]error
	h.do(func() {
		errs[0] = h.eng.EndCall()
		errs[1] = h.eng.EndCall()
	})
	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("end call errors: %v %v", errs[0], errs[1])
	}

	if got := len(h.sig.sentOfType(domain.EventEndCall)); got != 1 {
		t.Fatalf("EndCall sent %d times, want 1", got)
	}
	h.do(func() {
		if h.endedCount != 1 {
			t.Fatalf("OnCallEnded fired %d times, want 1", h.endedCount)
		}
		if !first.closed {
			t.Fatal("old capability not closed")
		}
		// A fresh capability stands ready for the next call.
		if len(h.medias) != 2 || h.medias[1].closed {
			t.Fatalf("expected one fresh open capability, have %d", len(h.medias))
		}
		if got := h.eng.State(); got != StateIdle {
			t.Fatalf("state=%v want idle", got)
		}
	})

	// A remote EndCall racing the local one observes the session gone.
	h.do(func() {
		h.eng.HandleEvent(domain.Event{Type: domain.EventEndCall, Sender: "alice"})
		if h.endedCount != 1 {
			t.Fatalf("remote end after local end re-fired, count=%d", h.endedCount)
		}
	})
}

func TestRemoteEndCall(t *testing.T) {
	h := newHarness(t, 0)
	h.connect("alice", false)

	h.do(func() {
		h.eng.HandleEvent(domain.Event{Type: domain.EventEndCall, Sender: "alice"})
	})

	if got := len(h.sig.sentOfType(domain.EventEndCall)); got != 0 {
		t.Fatalf("remote end must not echo EndCall back, sent %d", got)
	}
	if h.sig.statusCount(domain.StatusOnline) != 1 {
		t.Fatal("presence not restored to ONLINE")
	}
	h.do(func() {
		if h.endedCount != 1 {
			t.Fatalf("OnCallEnded fired %d times, want 1", h.endedCount)
		}
	})
}

func TestStaleInviteDropped(t *testing.T) {
	h := newHarness(t, 0)

	stale := domain.NewEvent(domain.EventStartAudioCall, "me", "")
	stale.Sender = "bob"
	stale.Timestamp -= (2 * time.Minute).Milliseconds()
	h.do(func() {
		h.eng.HandleEvent(stale)
		if len(h.invites) != 0 {
			t.Fatalf("stale invite surfaced: %+v", h.invites)
		}
		if got := h.eng.State(); got != StateIdle {
			t.Fatalf("state=%v want idle", got)
		}
	})

	fresh := domain.NewEvent(domain.EventStartVideoCall, "me", "")
	fresh.Sender = "bob"
	h.do(func() {
		h.eng.HandleEvent(fresh)
		if len(h.invites) != 1 || h.invites[0].Sender != "bob" {
			t.Fatalf("fresh invite missing: %+v", h.invites)
		}
		if got := h.eng.State(); got != StateIncomingPending {
			t.Fatalf("state=%v want incoming_pending", got)
		}
	})
}

func TestInviteWhileBusyDropped(t *testing.T) {
	h := newHarness(t, 0)
	h.do(func() {
		if err := h.eng.SendConnectionRequest("alice", false); err != nil {
			t.Fatal(err)
		}
		ev := domain.NewEvent(domain.EventStartAudioCall, "me", "")
		ev.Sender = "carol"
		h.eng.HandleEvent(ev)
		if len(h.invites) != 0 {
			t.Fatalf("invite surfaced while busy: %+v", h.invites)
		}
	})
}

func TestSecondRequestRejected(t *testing.T) {
	h := newHarness(t, 0)
	h.do(func() {
		if err := h.eng.SendConnectionRequest("alice", false); err != nil {
			t.Fatal(err)
		}
		if err := h.eng.SendConnectionRequest("carol", false); !errors.Is(err, ErrBusy) {
			t.Fatalf("expected ErrBusy, got %v", err)
		}
	})
}

func TestOfferWhileConnectedTearsDown(t *testing.T) {
	h := newHarness(t, 0)
	h.connect("alice", false)

	h.do(func() {
		h.eng.HandleEvent(domain.Event{Type: domain.EventOffer, Sender: "alice", Data: "late-offer"})
		if h.endedCount != 1 {
			t.Fatalf("protocol violation must end the call, count=%d", h.endedCount)
		}
		if got := h.eng.State(); got != StateIdle {
			t.Fatalf("state=%v want idle", got)
		}
	})
}

func TestTogglesRequireLiveCall(t *testing.T) {
	h := newHarness(t, 0)
	h.do(func() {
		if err := h.eng.ToggleAudio(true); !errors.Is(err, ErrNoActiveCall) {
			t.Fatalf("idle toggle: %v", err)
		}
		if err := h.eng.SendConnectionRequest("alice", false); err != nil {
			t.Fatal(err)
		}
		// Outgoing-pending is not live either: no media flows yet.
		if err := h.eng.SwitchCamera(); !errors.Is(err, ErrNoActiveCall) {
			t.Fatalf("pending toggle: %v", err)
		}
	})
}

func TestScreenShareDisplacesAndRestoresCamera(t *testing.T) {
	h := newHarness(t, 0)
	h.connect("alice", true)
	m := h.media()

	h.do(func() {
		if err := h.eng.ToggleShareScreen(true, "grant"); err != nil {
			t.Fatalf("start share: %v", err)
		}
		s, _ := h.eng.Session()
		if !s.ScreenSharing || s.VideoEnabled {
			t.Fatalf("after start: %+v", s)
		}
	})
	ops := m.opList()
	muted := index(ops, "ToggleVideo:true")
	started := index(ops, "StartScreenCapture")
	if muted < 0 || started < 0 || muted > started {
		t.Fatalf("camera must be muted before the share starts, ops=%v", ops)
	}

	h.do(func() {
		if err := h.eng.ToggleShareScreen(false, ""); err != nil {
			t.Fatalf("stop share: %v", err)
		}
		s, _ := h.eng.Session()
		if s.ScreenSharing || !s.VideoEnabled {
			t.Fatalf("after stop: %+v", s)
		}
	})
	ops = m.opList()
	stopped := index(ops, "StopScreenCapture")
	restored := index(ops, "ToggleVideo:false")
	if stopped < 0 || restored < 0 || stopped > restored {
		t.Fatalf("camera must come back after the share stops, ops=%v", ops)
	}
}

func TestScreenShareDeniedKeepsCamera(t *testing.T) {
	h := newHarness(t, 0)
	h.connect("alice", true)
	m := h.media()
	m.shareErr = media.ErrPermissionDenied

	h.do(func() {
		if err := h.eng.ToggleShareScreen(true, ""); !errors.Is(err, media.ErrPermissionDenied) {
			t.Fatalf("expected permission denial, got %v", err)
		}
		s, ok := h.eng.Session()
		if !ok {
			t.Fatal("session must survive a denied share")
		}
		if s.ScreenSharing || !s.VideoEnabled {
			t.Fatalf("camera not restored after denial: %+v", s)
		}
	})
}

func TestLocalCandidateForwardedAndStaleIgnored(t *testing.T) {
	h := newHarness(t, 0)
	h.do(func() {
		if err := h.eng.Setup(false, false, "alice"); err != nil {
			t.Fatal(err)
		}
	})
	first := h.media()

	first.onICE("cand-1")
	cands := h.sig.sentOfType(domain.EventIceCandidate)
	if len(cands) != 1 || cands[0].Target != "alice" || cands[0].Data != "cand-1" {
		t.Fatalf("candidate not forwarded: %+v", cands)
	}

	h.do(func() {
		if err := h.eng.EndCall(); err != nil {
			t.Fatal(err)
		}
	})

	// The replaced capability keeps a goroutine or two alive for a
	// moment; its late events must not leak into the next session.
	first.onICE("cand-stale")
	first.onState(media.StateConnected)
	if got := len(h.sig.sentOfType(domain.EventIceCandidate)); got != 1 {
		t.Fatalf("stale candidate forwarded, have %d", got)
	}
	if h.sig.statusCount(domain.StatusInCall) != 0 {
		t.Fatal("stale connected signal acted on")
	}
}

func TestNegotiationTimeout(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	h.do(func() {
		if err := h.eng.SendConnectionRequest("alice", false); err != nil {
			t.Fatal(err)
		}
	})

	select {
	case <-h.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("timed-out negotiation never ended the call")
	}
	h.do(func() {
		if got := h.eng.State(); got != StateIdle {
			t.Fatalf("state=%v want idle", got)
		}
	})
	if h.sig.statusCount(domain.StatusOnline) != 1 {
		t.Fatal("presence not restored after timeout")
	}
}

func TestConnectedDisarmsTimeout(t *testing.T) {
	h := newHarness(t, 40*time.Millisecond)
	h.connect("alice", false)

	time.Sleep(120 * time.Millisecond)
	h.do(func() {
		if h.endedCount != 0 {
			t.Fatal("timeout fired after the call connected")
		}
		if got := h.eng.State(); got != StateConnected {
			t.Fatalf("state=%v want connected", got)
		}
	})
}
