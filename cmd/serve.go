package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/knightbot/knightbot/internal/commands"
	"github.com/knightbot/knightbot/internal/config"
	"github.com/knightbot/knightbot/internal/dispatch"
	"github.com/knightbot/knightbot/internal/gateway"
	"github.com/knightbot/knightbot/internal/gateway/methods"
	"github.com/knightbot/knightbot/internal/session"
	"github.com/knightbot/knightbot/internal/status"
	"github.com/knightbot/knightbot/internal/store"
	"github.com/knightbot/knightbot/internal/store/backends"
	"github.com/knightbot/knightbot/internal/transport"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the dashboard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfgPath := resolveConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	dataDir := cfg.Storage.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	slog.Info("knightbot starting", "version", Version, "config", cfgPath, "data_dir", dataDir)

	shutdownOTel := initOTelExporter(ctx, cfg)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownOTel(sctx)
	}()

	creds, err := transport.OpenCredentials(ctx, cfg.Session.CredentialsDialect, cfg.CredentialsAddress(),
		transport.NewSlogLogger(slog.Default(), "whatsmeow/db"))
	if err != nil {
		return err
	}
	defer creds.Close()

	users, err := backends.OpenUsers(ctx, store.StoreConfig{
		Backend:  cfg.Storage.UsersBackend,
		Path:     cfg.Storage.ResolvedUsersPath(),
		DSN:      cfg.Storage.UsersDSN,
		RedisURL: cfg.Storage.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("open user store: %w", err)
	}
	defer users.Close()

	replies, err := commands.LoadReplies(cfg.Dispatch.RepliesFile)
	if err != nil {
		return err
	}
	table := commands.NewTable(replies, commands.Vars{
		BotName:     cfg.Bot.Name,
		Version:     cfg.Bot.Version,
		Domain:      cfg.Bot.PublicDomain,
		Owner:       cfg.Bot.Owner,
		OwnerNumber: cfg.Bot.OwnerNumber,
	})

	st := status.NewStore()
	defer st.Close()

	factory := transport.NewWhatsAppFactory(creds.Container(), transport.WhatsAppOptions{
		DeviceName: cfg.Session.DeviceName,
		Logger:     transport.NewSlogLogger(slog.Default(), "whatsmeow"),
	})

	var mgr *session.Manager
	send := func(ctx context.Context, chatID, text string) error { return mgr.Send(ctx, chatID, text) }
	opts := session.Options{
		Factory:            factory,
		Credentials:        creds,
		Status:             st,
		ReconnectDelay:     cfg.Session.ReconnectDelay(),
		RetryDelay:         cfg.Session.RetryDelay(),
		DefaultCountryCode: cfg.Session.DefaultCountryCode,
	}
	if cfg.Session.Welcome {
		opts.Welcomer = commands.NewWelcomer(table, send)
	}
	mgr = session.New(opts)

	commands.RegisterBuiltins(table, commands.Deps{Users: users, Pairing: mgr, Status: st})

	pipeline, err := dispatch.New(dispatch.Options{
		Commands:        table,
		Sender:          mgr,
		Users:           users,
		Stats:           st,
		Workers:         cfg.Dispatch.Workers,
		QueueCap:        cfg.Dispatch.QueueCap,
		AutoReplyChance: cfg.Dispatch.AutoReplyChance,
		Prefixes:        cfg.Dispatch.CommandPrefixes,
		SelfIDPattern:   cfg.Dispatch.SelfIDPattern,
		DedupeTTL:       cfg.Dispatch.DedupeTTL(),
		DedupeSize:      cfg.Dispatch.DedupeSize,
	})
	if err != nil {
		return err
	}
	defer pipeline.Stop()
	mgr.SetMessageSink(pipeline)

	srv := gateway.NewServer(gateway.Options{
		Gateway: cfg.Gateway,
		Bot:     cfg.Bot,
		Status:  st,
		Pairing: mgr,
	})
	methods.NewSendMethods(mgr).Register(srv.Router())
	methods.NewSessionMethods(mgr).Register(srv.Router())
	methods.NewConfigMethods(current.Load, cfgPath).Register(srv.Router())

	if watcher, err := config.NewWatcher(cfgPath); err != nil {
		slog.Warn("config watcher disabled", "error", err)
	} else {
		watcher.OnChange(func(next *config.Config) {
			current.Store(next)
			pipeline.SetTunables(next.Dispatch.AutoReplyChance, next.Dispatch.CommandPrefixes)
			r, err := commands.LoadReplies(next.Dispatch.RepliesFile)
			if err != nil {
				slog.Warn("replies reload failed, keeping previous", "error", err)
				return
			}
			table.SetReplies(r)
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config watcher disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	if cfg.Session.PrintQR {
		defer st.Subscribe(newTerminalPrinter(os.Stdout))()
	}

	if number := cfg.Session.PairingNumber; number != "" {
		if _, err := mgr.RequestPairing(number); err != nil {
			slog.Warn("startup pairing number rejected, falling back to QR login", "error", err)
			mgr.Start()
		}
	} else {
		mgr.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx) })
	err = g.Wait()
	slog.Info("knightbot stopped")
	return err
}

// terminalPrinter renders login prompts on the console: the QR code while
// awaiting a scan and the pairing code once issued.
type terminalPrinter struct {
	out      *os.File
	lastQR   string
	lastCode string
}

func newTerminalPrinter(out *os.File) status.Observer {
	p := &terminalPrinter{out: out}
	return p.onSnapshot
}

func (p *terminalPrinter) onSnapshot(snap status.Snapshot) {
	if snap.State == status.StateAwaitingQR && snap.QRPayload != "" && snap.QRPayload != p.lastQR {
		p.lastQR = snap.QRPayload
		q, err := qrcode.New(snap.QRPayload, qrcode.Low)
		if err != nil {
			slog.Warn("render terminal QR", "error", err)
			return
		}
		fmt.Fprintln(p.out, "Scan this QR code with WhatsApp > Linked devices:")
		fmt.Fprintln(p.out, q.ToSmallString(false))
	}
	if snap.PairingCode != "" && snap.PairingCode != p.lastCode {
		p.lastCode = snap.PairingCode
		fmt.Fprintf(p.out, "Pairing code for +%s: %s\n", snap.PairingNumber, snap.PairingCode)
	}
}
