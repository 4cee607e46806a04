// Package rtc implements the media capability on pion/webrtc. Media
// sources are injected: the package moves samples from a Source into
// the negotiated tracks but never touches capture hardware itself.
package rtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/media"
)

// Source yields encoded samples for one local track. Read blocks until
// a sample is available and returns io.EOF when the source is drained.
type Source interface {
	Read() (sample []byte, duration time.Duration, err error)
	Close() error
}

// ScreenCapturer opens a screen source once the user granted capture.
// The token is the opaque permission handle from the presentation layer.
type ScreenCapturer func(permissionToken string) (Source, error)

type Options struct {
	STUNServers []string
	AudioSource Source
	// Cameras are the selectable camera sources; SwitchCamera cycles
	// through them.
	Cameras []Source
	Screen  ScreenCapturer
}

type Session struct {
	pc *webrtc.PeerConnection

	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample

	onICE   func(string)
	onState func(media.State)
	onTrack func(media.RemoteTrack)

	mu          sync.Mutex
	opts        Options
	cameraIdx   int
	screenSrc   Source
	audioMuted  bool
	videoMuted  bool
	sharing     bool
	closed      bool
	stopAudio   chan struct{}
	stopVideo   chan struct{}
	videoSource Source
}

func DefaultConfig(stun []string) webrtc.Configuration {
	if len(stun) == 0 {
		stun = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stun}},
	}
}

func NewSession(opts Options) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(DefaultConfig(opts.STUNServers))
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &Session{pc: pc, opts: opts}

	s.audioTrack, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "peercall")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("audio track: %w", err)
	}
	s.videoTrack, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "peercall")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("video track: %w", err)
	}
	if _, err = pc.AddTrack(s.audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	if _, err = pc.AddTrack(s.videoTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "media.rtc").Msg("candidate marshal")
			return
		}
		if fn := s.onICE; fn != nil {
			fn(string(b))
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "media.rtc").Str("state", st.String()).Msg("peer state")
		if fn := s.onState; fn != nil {
			fn(mapState(st))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "media.rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if fn := s.onTrack; fn != nil {
			fn(media.RemoteTrack{
				Kind:     track.Kind().String(),
				ID:       track.ID(),
				StreamID: track.StreamID(),
			})
		}
	})

	if opts.AudioSource != nil {
		s.stopAudio = make(chan struct{})
		go s.pump(opts.AudioSource, s.audioTrack, s.stopAudio, &s.audioMuted)
	}
	if len(opts.Cameras) > 0 {
		s.videoSource = opts.Cameras[0]
		s.stopVideo = make(chan struct{})
		go s.pump(s.videoSource, s.videoTrack, s.stopVideo, &s.videoMuted)
	}

	return s, nil
}

// pump moves samples from src into track until stop closes. The muted
// flag is read under the session lock so toggles take effect between
// samples.
func (s *Session) pump(src Source, track *webrtc.TrackLocalStaticSample, stop chan struct{}, muted *bool) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		data, dur, err := src.Read()
		if err != nil {
			log.Debug().Err(err).Str("module", "media.rtc").Msg("source drained")
			return
		}
		s.mu.Lock()
		skip := *muted || s.closed
		s.mu.Unlock()
		if skip {
			continue
		}
		if err := track.WriteSample(pionmedia.Sample{Data: data, Duration: dur}); err != nil {
			log.Debug().Err(err).Str("module", "media.rtc").Msg("write sample")
			return
		}
	}
}

func mapState(st webrtc.PeerConnectionState) media.State {
	switch st {
	case webrtc.PeerConnectionStateConnecting:
		return media.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return media.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return media.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return media.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return media.StateClosed
	default:
		return media.StateNew
	}
}

func (s *Session) CreateOffer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (s *Session) CreateAnswer() (string, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (s *Session) SetRemoteDescription(kind media.SDPKind, sdp string) error {
	t := webrtc.SDPTypeOffer
	if kind == media.SDPAnswer {
		t = webrtc.SDPTypeAnswer
	}
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sdp})
}

func (s *Session) AddICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return s.pc.AddICECandidate(init)
}

func (s *Session) OnICECandidate(fn func(string))               { s.onICE = fn }
func (s *Session) OnConnectionStateChange(fn func(media.State)) { s.onState = fn }
func (s *Session) OnRemoteTrack(fn func(media.RemoteTrack))     { s.onTrack = fn }

func (s *Session) ToggleAudio(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrSessionClosed
	}
	s.audioMuted = muted
	return nil
}

func (s *Session) ToggleVideo(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrSessionClosed
	}
	s.videoMuted = muted
	return nil
}

// SwitchCamera cycles to the next configured camera. The active pump
// keeps the track; only the source behind it changes.
func (s *Session) SwitchCamera() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrSessionClosed
	}
	if len(s.opts.Cameras) < 2 {
		return nil
	}
	s.cameraIdx = (s.cameraIdx + 1) % len(s.opts.Cameras)
	return s.swapVideoSourceLocked(s.opts.Cameras[s.cameraIdx])
}

func (s *Session) StartScreenCapture(permissionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrSessionClosed
	}
	if permissionToken == "" || s.opts.Screen == nil {
		return media.ErrPermissionDenied
	}
	src, err := s.opts.Screen(permissionToken)
	if err != nil {
		return fmt.Errorf("open screen source: %w", err)
	}
	s.screenSrc = src
	s.sharing = true
	return s.swapVideoSourceLocked(src)
}

func (s *Session) StopScreenCapture() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return media.ErrSessionClosed
	}
	if !s.sharing {
		return nil
	}
	s.sharing = false
	if s.screenSrc != nil {
		_ = s.screenSrc.Close()
		s.screenSrc = nil
	}
	if len(s.opts.Cameras) == 0 {
		return nil
	}
	return s.swapVideoSourceLocked(s.opts.Cameras[s.cameraIdx])
}

// swapVideoSourceLocked restarts the video pump on a new source.
func (s *Session) swapVideoSourceLocked(src Source) error {
	if s.stopVideo != nil {
		close(s.stopVideo)
	}
	s.videoSource = src
	s.stopVideo = make(chan struct{})
	go s.pump(src, s.videoTrack, s.stopVideo, &s.videoMuted)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.stopAudio != nil {
		close(s.stopAudio)
	}
	if s.stopVideo != nil {
		close(s.stopVideo)
	}
	if s.screenSrc != nil {
		_ = s.screenSrc.Close()
		s.screenSrc = nil
	}
	s.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "media.rtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "media.rtc").Msg("closed")
	return nil
}
