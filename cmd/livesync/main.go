package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kapu/chess-livesync/internal/api"
	"github.com/kapu/chess-livesync/internal/archive"
	appcfg "github.com/kapu/chess-livesync/internal/config"
	"github.com/kapu/chess-livesync/internal/clocksync"
	"github.com/kapu/chess-livesync/internal/engine"
	"github.com/kapu/chess-livesync/internal/livechannel"
	"github.com/kapu/chess-livesync/internal/msgcat"
	"github.com/kapu/chess-livesync/internal/obslog"
	"github.com/kapu/chess-livesync/internal/session"
)

func main() {
	_ = godotenv.Load()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = obslog.L().Sync() }()

	cat, err := msgcat.New(cfg.MsgOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	headers := func() map[string]string {
		m := map[string]string{}
		if cfg.Credential != "" {
			m["Authorization"] = "Bearer " + cfg.Credential
		}
		return m
	}

	client := api.NewClient(cfg.APIBaseURL,
		api.WithHeaderProvider(headers),
		api.WithTimeout(8*time.Second),
	)
	liveDialer := api.NewLiveDialer(cfg.WSBaseURL, cfg.Credential)
	dialer := livechannel.DialerFunc(func(ctx context.Context, sessionID, mode string) (livechannel.Conn, error) {
		return liveDialer.Dial(ctx, sessionID, mode)
	})

	var store *archive.Store
	if cfg.RedisURL != "" {
		store, err = archive.NewStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("archive init error: %v", err)
		}
	}

	side := session.White
	if cfg.Side == "black" {
		side = session.Black
	}
	eng := engine.New(client, dialer, clockwork.NewRealClock(), cat, store,
		engine.Options{
			Mode:           cfg.Mode,
			Side:           side,
			AutoQueen:      cfg.AutoQueen,
			ReconnectDelay: cfg.ReconnectDelay,
			PollInterval:   cfg.PollInterval,
		},
		engine.Callbacks{
			OnState: func(g *session.GameSession) {
				obslog.L().Info("state",
					zap.String("session_id", g.ID),
					zap.String("status", string(g.Status)),
					zap.String("turn", string(g.Turn)),
					zap.Int("plies", len(g.MovesUCI)),
					zap.Int64("seq", g.LastSeq),
				)
				fmt.Printf("[%s] %s to move  %s\n", g.Status, g.Turn, g.FEN)
			},
			OnChat: func(sender, room, message string) {
				fmt.Printf("<%s> %s\n", sender, message)
			},
			OnNotice: func(text string) {
				fmt.Println("* " + text)
			},
			OnClock: func(t clocksync.Tick) {
				fmt.Printf("\rclock  white %s  black %s ", formatMS(t.WhiteMS), formatMS(t.BlackMS))
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.Run(ctx)
	eng.Subscribe(cfg.SessionID)

	obslog.L().Info("livesync_started",
		zap.String("session_id", cfg.SessionID),
		zap.String("mode", cfg.Mode),
		zap.String("api", cfg.APIBaseURL),
	)
	if cfg.Mode == "participant" {
		fmt.Println(helpText())
	}
	go readCommands(eng, cfg.SessionID, stop)

	<-ctx.Done()
	eng.Unsubscribe()
	obslog.L().Info("livesync_stopped")
	_ = os.Stdout.Sync()
}

// readCommands dispatches lines typed on stdin to the engine. Returns when
// stdin closes or the user quits.
func readCommands(eng *engine.Engine, room string, stop context.CancelFunc) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		parts := strings.Fields(raw)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help":
			fmt.Println(helpText())
		case "move":
			if len(args) != 1 {
				fmt.Println("usage: move <uci>  (e.g. move e2e4)")
				continue
			}
			eng.SubmitMove(strings.ToLower(args[0]))
		case "premove":
			from, to, promo, ok := parsePremove(args)
			if !ok {
				fmt.Println("usage: premove <uci>  or  premove <from> <to> [qrbn]")
				continue
			}
			eng.StagePremove(from, to, promo)
		case "cancel":
			eng.ClearPremove()
			fmt.Println("premove cleared")
		case "chat":
			if len(args) == 0 {
				fmt.Println("usage: chat <message>")
				continue
			}
			eng.SendChat(strings.Join(args, " "), room)
		case "quit", "exit":
			stop()
			return
		default:
			fmt.Printf("unknown command %q, try 'help'\n", cmd)
		}
	}
}

// parsePremove accepts "e2e4", "e7e8q", or "e2 e4" / "e7 e8 q".
func parsePremove(args []string) (from, to, promo string, ok bool) {
	switch len(args) {
	case 1:
		uci := strings.ToLower(args[0])
		if len(uci) < 4 || len(uci) > 5 {
			return "", "", "", false
		}
		from, to = uci[:2], uci[2:4]
		promo = uci[4:]
		return from, to, promo, true
	case 2, 3:
		from = strings.ToLower(args[0])
		to = strings.ToLower(args[1])
		if len(from) != 2 || len(to) != 2 {
			return "", "", "", false
		}
		if len(args) == 3 {
			promo = strings.ToLower(args[2])
		}
		return from, to, promo, true
	default:
		return "", "", "", false
	}
}

func helpText() string {
	return strings.Join([]string{
		"commands:",
		"  move <uci>                 play a move (e.g. move e2e4)",
		"  premove <from> <to> [q]    stage a move for your next turn",
		"  cancel                     drop the staged premove",
		"  chat <message>             send a chat line",
		"  quit                       disconnect and exit",
	}, "\n")
}

func formatMS(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d", m, s)
}
