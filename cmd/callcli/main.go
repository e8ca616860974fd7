// Command callcli is a terminal client for the call signaling service.
// It logs in with the demo credentials, attaches to the gateway, and
// drives the call coordinator from stdin, which makes it handy for
// poking at a deployment without a browser.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/crewdeck/call-signaling/config"
	"github.com/crewdeck/call-signaling/internal/audio"
	"github.com/crewdeck/call-signaling/internal/bus"
	"github.com/crewdeck/call-signaling/internal/coordinator"
	"github.com/crewdeck/call-signaling/internal/handlers"
	"github.com/crewdeck/call-signaling/internal/prefs"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "signaling service base URL")
	user := flag.String("user", "", "user id to sign in as (required)")
	name := flag.String("name", "", "display name (defaults to the user id)")
	prefsPath := flag.String("prefs", defaultPrefsPath(), "preferences file")
	flag.Parse()

	if *user == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	ctx := context.Background()

	session, err := login(*server, *user, *name)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	log.Printf("Signed in as %s (%s)", session.DisplayName, session.UserID)

	store, err := prefs.Open(*prefsPath)
	if err != nil {
		log.Fatalf("Failed to open preferences: %v", err)
	}

	wsBus, err := bus.DialGateway(ctx, wsURL(*server), session.Token, cfg.Signal.Channel)
	if err != nil {
		log.Fatalf("Failed to attach to gateway: %v", err)
	}
	defer wsBus.Close()

	nav := coordinator.NavigatorFunc(func(roomID string, video bool) {
		fmt.Printf("\n>> room ready: %s\n> ", coordinator.RoomURL(cfg.Video.RoomBaseURL, roomID, video))
	})
	notify := coordinator.NotifierFunc(func(text string) {
		fmt.Printf("\n** %s\n> ", text)
	})

	coord := coordinator.New(
		wsBus,
		coordinator.StaticIdentity(coordinator.Party{ID: session.UserID, DisplayName: session.DisplayName}),
		nav,
		coordinator.Options{
			Channel:       cfg.Signal.Channel,
			Event:         cfg.Signal.Event,
			RingTimeout:   cfg.Signal.RingTimeout,
			ConnectLinger: cfg.Signal.ConnectLinger,
			Ringer:        audio.Switched{Ringer: bellRinger{}, Enabled: store.SoundEnabled},
			Notifier:      notify,
		},
	)
	if err := coord.Start(ctx); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}
	defer coord.Close()

	fmt.Println("commands: call <user> [video] | accept | reject | cancel | unlock | sound on|off | who | status | quit")
	fmt.Println("incoming calls ring silently until you run unlock")

	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Print("> "); scanner.Scan(); fmt.Print("> ") {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "call":
			if len(fields) < 2 {
				fmt.Println("usage: call <user> [video]")
				continue
			}
			video := len(fields) > 2 && fields[2] == "video"
			if err := coord.InitiateCall(fields[1], fields[1], video); err != nil {
				fmt.Println(err)
			}
		case "accept":
			if err := coord.AcceptCall(); err != nil {
				fmt.Println(err)
			}
		case "reject":
			if err := coord.RejectCall(); err != nil {
				fmt.Println(err)
			}
		case "cancel":
			if err := coord.CancelCall(); err != nil {
				fmt.Println(err)
			}
		case "unlock":
			coord.UnlockAudio()
			fmt.Println("audio unlocked")
		case "sound":
			if len(fields) < 2 || (fields[1] != "on" && fields[1] != "off") {
				fmt.Println("usage: sound on|off")
				continue
			}
			if err := store.SetSoundEnabled(fields[1] == "on"); err != nil {
				fmt.Println(err)
			}
		case "who":
			ids, err := online(*server, session.Token)
			if err != nil {
				fmt.Println(err)
				continue
			}
			fmt.Println(strings.Join(ids, " "))
		case "status":
			printSession(coord.Session())
		case "quit", "exit":
			return
		default:
			fmt.Println("unknown command")
		}
	}
}

func printSession(s coordinator.Session) {
	switch s.Status {
	case coordinator.StatusIdle:
		fmt.Println("idle")
	case coordinator.StatusOutgoing:
		fmt.Printf("calling %s...\n", s.Peer.ID)
	case coordinator.StatusIncoming:
		fmt.Printf("%s is calling (accept/reject)\n", s.Peer.ID)
	case coordinator.StatusConnected:
		fmt.Printf("connected to %s in %s\n", s.Peer.ID, s.RoomID)
	}
}

// login signs in against the demo login endpoint.
func login(server, user, name string) (handlers.LoginResponse, error) {
	body, err := json.Marshal(handlers.LoginRequest{
		Username:    user,
		Password:    "demo",
		DisplayName: name,
	})
	if err != nil {
		return handlers.LoginResponse{}, err
	}

	resp, err := http.Post(server+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return handlers.LoginResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return handlers.LoginResponse{}, fmt.Errorf("login returned %s", resp.Status)
	}

	var session handlers.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return handlers.LoginResponse{}, err
	}
	return session, nil
}

// online fetches the ids currently attached to a gateway.
func online(server, token string) ([]string, error) {
	req, err := http.NewRequest(http.MethodGet, server+"/api/presence", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("presence returned %s", resp.Status)
	}

	var pr handlers.PresenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, err
	}
	return pr.Online, nil
}

func wsURL(server string) string {
	return "ws" + strings.TrimPrefix(server, "http") + "/ws/signal"
}

func defaultPrefsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "callcli.json"
	}
	return filepath.Join(dir, "crewdeck", "callcli.json")
}

// bellRinger rings the terminal bell. There is no autoplay policy to
// satisfy in a terminal, so Prime has nothing to do.
type bellRinger struct{}

func (bellRinger) Play() error  { fmt.Print("\a"); return nil }
func (bellRinger) Stop()        {}
func (bellRinger) Prime() error { return nil }
