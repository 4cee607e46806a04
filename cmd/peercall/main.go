package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/controller"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/media"
	"github.com/dkeye/peercall/internal/media/rtc"
	"github.com/dkeye/peercall/internal/relay"
	"github.com/dkeye/peercall/internal/signal"
	"github.com/dkeye/peercall/internal/store"
)

// uiListener bridges controller notifications to the terminal.
type uiListener struct {
	incoming chan domain.Event
}

func (l *uiListener) OnIncomingCall(ev domain.Event) {
	video := ev.Type == domain.EventStartVideoCall
	fmt.Printf("\n*** incoming %s call from %s — type 'accept' or ignore ***\n",
		callKind(video), ev.Sender)
	select {
	case l.incoming <- ev:
	default:
	}
}

func (l *uiListener) OnCallEnded() {
	fmt.Println("\n*** call ended ***")
}

func callKind(video bool) string {
	if video {
		return "video"
	}
	return "audio"
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx := context.Background()
	st, err := store.DialWS(ctx, cfg.StoreURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.StoreURL).Msg("cannot reach signaling store")
	}
	defer st.Close()

	in := bufio.NewScanner(os.Stdin)
	username := prompt(in, "username: ")
	password := prompt(in, "password: ")

	sig := signal.NewClient(st)
	if err := sig.Login(ctx, username, password); err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}
	fmt.Printf("signed in as %s\n", username)

	newMedia := func() (media.Session, error) {
		return rtc.NewSession(rtc.Options{STUNServers: cfg.STUNServers})
	}

	ui := &uiListener{incoming: make(chan domain.Event, 1)}
	ctl := controller.New(sig, newMedia, ui, controller.Options{
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	r := relay.New(ctl)
	if err := r.StartAndWait(username); err != nil {
		log.Fatal().Err(err).Msg("controller start failed")
	}

	fmt.Println("commands: list, call <user>, videocall <user>, accept, end, mute, unmute, camera, share, unshare, quit")
	var lastInvite *domain.Event

	for {
		fmt.Print("> ")
		if !in.Scan() {
			break
		}
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			select {
			case ev := <-ui.incoming:
				lastInvite = &ev
			default:
			}
			continue
		}
		select {
		case ev := <-ui.incoming:
			lastInvite = &ev
		default:
		}

		switch fields[0] {
		case "list":
			users, err := sig.ListPresence(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, u := range users {
				fmt.Printf("  %-20s %s\n", u.Username, u.Status)
			}
		case "call", "videocall":
			if len(fields) < 2 {
				fmt.Println("usage:", fields[0], "<user>")
				continue
			}
			target := fields[1]
			isVideo := fields[0] == "videocall"
			if err := r.RequestCall(username, target, isVideo); err != nil {
				fmt.Println("call failed:", err)
				continue
			}
			r.Setup(username, true, isVideo, target)
			fmt.Printf("calling %s...\n", target)
		case "accept":
			if lastInvite == nil {
				fmt.Println("no pending call")
				continue
			}
			isVideo := lastInvite.Type == domain.EventStartVideoCall
			r.Setup(username, false, isVideo, lastInvite.Sender)
			lastInvite = nil
		case "end":
			r.SendEndCall()
		case "mute":
			r.ToggleAudio(true)
		case "unmute":
			r.ToggleAudio(false)
		case "camera":
			r.SwitchCamera()
		case "share":
			// The terminal has no capture-permission flow; pass a static
			// grant so embedding UIs show the real shape.
			r.ToggleScreenShare(true, "terminal-grant")
		case "unshare":
			r.ToggleScreenShare(false, "")
		case "quit":
			<-r.Stop()
			ctl.Shutdown()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func prompt(in *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !in.Scan() {
		os.Exit(1)
	}
	return strings.TrimSpace(in.Text())
}
