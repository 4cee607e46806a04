package controller

// AudioDevice selects the output route for call audio.
type AudioDevice string

const (
	DeviceEarpiece     AudioDevice = "EARPIECE"
	DeviceSpeakerphone AudioDevice = "SPEAKER_PHONE"
)

// AudioRouter is the platform audio-routing hook. The default router
// does nothing; desktop builds have no earpiece to switch to.
type AudioRouter interface {
	SelectDevice(AudioDevice) error
}

type NopAudioRouter struct{}

func (NopAudioRouter) SelectDevice(AudioDevice) error { return nil }

// CommandType names the discrete messages the relay delivers.
type CommandType int

const (
	CmdStart CommandType = iota
	// CmdRequestCall sends the call invitation to a target before any
	// media setup happens.
	CmdRequestCall
	CmdSetup
	CmdEndCall
	CmdSwitchCamera
	CmdToggleAudio
	CmdToggleVideo
	CmdToggleAudioDevice
	CmdToggleScreenShare
	CmdStop
)

func (t CommandType) String() string {
	switch t {
	case CmdStart:
		return "start"
	case CmdRequestCall:
		return "request_call"
	case CmdSetup:
		return "setup"
	case CmdEndCall:
		return "end_call"
	case CmdSwitchCamera:
		return "switch_camera"
	case CmdToggleAudio:
		return "toggle_audio"
	case CmdToggleVideo:
		return "toggle_video"
	case CmdToggleAudioDevice:
		return "toggle_audio_device"
	case CmdToggleScreenShare:
		return "toggle_screen_share"
	case CmdStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Command is one independently delivered controller message. Only the
// fields relevant to the type are read.
type Command struct {
	Type CommandType

	Username string // Start
	IsCaller bool   // Setup
	IsVideo  bool   // RequestCall, Setup
	Target   string // RequestCall, Setup
	Muted    bool   // ToggleAudio, ToggleVideo

	Device AudioDevice // ToggleAudioDevice

	Starting        bool   // ToggleScreenShare
	PermissionToken string // ToggleScreenShare

	// Done, when non-nil, receives the command outcome. The channel
	// should be buffered; the controller never blocks on it.
	Done chan error
}
