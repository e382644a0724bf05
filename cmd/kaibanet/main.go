// Kaibanet — CLI entry point.
//
// This tool joins the duel network and drives a session from the terminal:
// hosting or joining rooms, chatting, broadcasting game state and running
// the voice channel. Configuration comes from flags, falling back to
// KAIBANET_* environment variables (a local .env file is honored).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"github.com/pterm/pterm"

	"github.com/kaibanet/kaibanet/internal/comm"
	"github.com/kaibanet/kaibanet/internal/config"
	"github.com/kaibanet/kaibanet/internal/session"
	"github.com/kaibanet/kaibanet/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.FromEnv()

	// CLI flags override the environment.
	modeFlag := flag.String("mode", "p2p", "Communication mode: p2p, relayed or offline")
	bootstrapFlag := flag.String("bootstrap", "", "Bootstrap node multiaddr (p2p mode)")
	serverFlag := flag.String("server", "", "Relay server URL (relayed mode)")
	topicFlag := flag.String("topic", "", "Discovery topic")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}
	if *bootstrapFlag != "" {
		cfg.BootstrapNode = *bootstrapFlag
	}
	if *serverFlag != "" {
		cfg.ServerURL = *serverFlag
	}
	if *topicFlag != "" {
		cfg.DiscoveryTopic = *topicFlag
	}

	mode, err := comm.ParseMode(*modeFlag)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.Info.Println(fmt.Sprintf("Kaibanet — v%s", version))
	pterm.Println()

	coord := session.New(cfg, session.WithMode(mode))
	if err := coord.Initialize(ctx); err != nil {
		util.LogError("failed to initialize session: %v", err)
		os.Exit(1)
	}
	defer coord.Cleanup()

	events, cancelEvents := coord.Subscribe(64)
	defer cancelEvents()
	go printEvents(events)

	util.StartStatsReporter(ctx)
	runShell(ctx, coord)

	util.LogInfo("session closed")
}

// runShell reads commands until quit or Ctrl+C.
func runShell(ctx context.Context, coord *session.Coordinator) {
	printHelp()

	for ctx.Err() == nil {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("kaibanet").
			Show()

		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "create":
			roomID, err := coord.CreateRoom(ctx)
			if err != nil {
				util.LogError("create room: %v", err)
				continue
			}
			util.LogSuccess("room %s is open", util.ShortID(roomID))

		case "join":
			if len(fields) < 2 {
				util.LogWarning("usage: join <roomID>")
				continue
			}
			if err := coord.JoinRoom(ctx, fields[1]); err != nil {
				util.LogError("join room: %v", err)
			}

		case "chat":
			if len(fields) < 3 {
				util.LogWarning("usage: chat <roomID> <text>")
				continue
			}
			text := strings.Join(fields[2:], " ")
			if err := coord.SendMessage(ctx, fields[1], text); err != nil {
				util.LogError("send message: %v", err)
			}

		case "state":
			if len(fields) < 3 {
				util.LogWarning("usage: state <roomID> <json>")
				continue
			}
			var state json.RawMessage
			if err := json.Unmarshal([]byte(strings.Join(fields[2:], " ")), &state); err != nil {
				util.LogWarning("state must be valid JSON: %v", err)
				continue
			}
			if err := coord.RefreshGameState(ctx, fields[1], state); err != nil {
				util.LogError("refresh state: %v", err)
			}

		case "exec":
			if len(fields) < 3 {
				util.LogWarning("usage: exec <roomID> <json>")
				continue
			}
			var cmd json.RawMessage
			if err := json.Unmarshal([]byte(strings.Join(fields[2:], " ")), &cmd); err != nil {
				util.LogWarning("command must be valid JSON: %v", err)
				continue
			}
			if err := coord.ExecDuelCommand(ctx, fields[1], cmd); err != nil {
				util.LogError("exec command: %v", err)
			}

		case "peers":
			players := coord.Players()
			if len(players) == 0 {
				util.LogInfo("no peers known")
				continue
			}
			for _, p := range players {
				marker := "○"
				if p.Connected {
					marker = "●"
				}
				pterm.Println(fmt.Sprintf("  %s %s", marker, p.ID))
			}

		case "rooms":
			rooms := coord.Rooms()
			if len(rooms) == 0 {
				util.LogInfo("no rooms announced")
				continue
			}
			for _, r := range rooms {
				marker := "○"
				if r.Connected {
					marker = "●"
				}
				pterm.Println(fmt.Sprintf("  %s %s", marker, r.ID))
			}

		case "mode":
			if len(fields) < 2 {
				util.LogWarning("usage: mode <p2p|relayed|offline>")
				continue
			}
			mode, err := comm.ParseMode(fields[1])
			if err != nil {
				util.LogWarning("%v", err)
				continue
			}
			if err := coord.SwitchCommunication(ctx, mode, session.SwitchOptions{}); err != nil {
				util.LogError("switch mode: %v", err)
			}

		case "voice":
			if len(fields) < 2 {
				util.LogWarning("usage: voice <roomID> | voice stop")
				continue
			}
			if fields[1] == "stop" {
				coord.StopVoiceChat()
				continue
			}
			if err := coord.StartVoiceChat(ctx, fields[1]); err != nil {
				util.LogError("start voice: %v", err)
			}

		case "mute":
			if len(fields) < 2 {
				util.LogWarning("usage: mute <mic|playback>")
				continue
			}
			toggleMute(coord, fields[1], true)

		case "unmute":
			if len(fields) < 2 {
				util.LogWarning("usage: unmute <mic|playback>")
				continue
			}
			toggleMute(coord, fields[1], false)

		case "whoami":
			util.LogInfo("player ID: %s (%s mode)", coord.PlayerID(), coord.Mode())

		case "help":
			printHelp()

		case "quit", "exit":
			return

		default:
			util.LogWarning("unknown command %q (try 'help')", fields[0])
		}
	}
}

func toggleMute(coord *session.Coordinator, target string, muted bool) {
	switch target {
	case "mic":
		coord.SetMicMuted(muted)
	case "playback":
		coord.SetPlaybackMuted(muted)
	default:
		util.LogWarning("unknown mute target %q", target)
	}
}

// printEvents renders coordinator events as they arrive.
func printEvents(events <-chan session.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case session.PlayersUpdated:
			util.LogInfo("%d peer(s) known", len(e.Players))
		case session.RoomsUpdated:
			util.LogInfo("%d room(s) announced", len(e.Rooms))
		case session.CommunicationChanged:
			util.LogSuccess("communication mode is now %s", e.Mode)
		case session.OfflineActivated:
			util.LogWarning("offline mode active — nothing leaves this machine")
		case session.ChatReceived:
			pterm.Println(fmt.Sprintf("[%s] %s: %s", util.ShortID(e.RoomID), util.ShortID(e.From), e.Text))
		case session.StateRefreshed:
			util.LogInfo("game state from %s (%d bytes)", util.ShortID(e.From), len(e.State))
		case session.PlayerJoined:
			util.LogInfo("%s joined room %s", util.ShortID(e.PeerID), util.ShortID(e.RoomID))
		case session.CommandReceived:
			util.LogInfo("duel command from %s: %s", util.ShortID(e.From), string(e.Command))
		case session.AudioStateChanged:
			util.LogInfo("voice channel: %s", e.State)
		case session.AudioError:
			util.LogError("voice channel: %v", e.Err)
		}
	}
}

func printHelp() {
	pterm.Println("commands:")
	pterm.Println("  create                      host a new room")
	pterm.Println("  join <roomID>               join a room")
	pterm.Println("  chat <roomID> <text>        send a chat message")
	pterm.Println("  state <roomID> <json>       broadcast a game-state snapshot")
	pterm.Println("  exec <roomID> <json>        broadcast a duel command")
	pterm.Println("  peers / rooms               list known peers / rooms")
	pterm.Println("  mode <p2p|relayed|offline>  switch communication mode")
	pterm.Println("  voice <roomID> | voice stop start or stop voice chat")
	pterm.Println("  mute|unmute <mic|playback>  toggle audio")
	pterm.Println("  whoami / help / quit")
	pterm.Println()
}
