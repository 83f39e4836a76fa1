// Command lavafleet-bot is a minimal Discord music bot demonstrating the
// lavafleet library: it joins a fleet of Lavalink nodes from a YAML config
// and exposes a handful of text commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lavafleet/internal/config"
	"github.com/MrWong99/lavafleet/internal/observe"
	"github.com/MrWong99/lavafleet/pkg/lavalink"
	"github.com/MrWong99/lavafleet/pkg/lavalink/discordvoice"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lavafleet-bot: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lavafleet-bot: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Bot.LogLevel)
	slog.SetDefault(logger)

	// ── Metrics ───────────────────────────────────────────────────────────────
	metricsHandler, shutdownMetrics, err := observe.InitProvider(observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise metrics", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			slog.Warn("metrics shutdown failed", "error", err)
		}
	}()

	// ── Discord session + manager ─────────────────────────────────────────────
	session, err := discordgo.New("Bot " + cfg.Bot.Token)
	if err != nil {
		slog.Error("failed to create discord session", "error", err)
		return 1
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	manager, err := lavalink.New(discordvoice.SendFunc(session),
		lavalink.WithLogger(logger),
		lavalink.WithPlayerDefaults(lavalink.PlayerOptions{
			InitialVolume: cfg.Player.InitialVolume,
			SelfDeaf:      cfg.Player.SelfDeaf,
			SelfMute:      cfg.Player.SelfMute,
		}),
	)
	if err != nil {
		slog.Error("failed to create manager", "error", err)
		return 1
	}
	discordvoice.Register(session, manager)

	manager.AddEventHandler(&lavalink.EventHandler{
		NodeReady: func(n *lavalink.Node, resumed bool) {
			slog.Info("node ready", "node", n.Identifier(), "resumed", resumed)
		},
		NodeError: func(n *lavalink.Node, err error) {
			slog.Error("node error", "node", n.Identifier(), "error", err)
		},
		TrackStart: func(p *lavalink.Player, t lavalink.Track) {
			slog.Info("track started", "guild", p.GuildID(), "title", t.Info.Title)
		},
		QueueEnd: func(p *lavalink.Player) {
			slog.Info("queue ended", "guild", p.GuildID())
		},
	})

	for _, n := range cfg.Nodes {
		opts := lavalink.NodeOptions{
			Identifier:    n.Identifier,
			Host:          n.Host,
			Port:          n.Port,
			Secure:        n.Secure,
			Password:      n.Password,
			ResumeKey:     n.ResumeKey,
			ResumeTimeout: time.Duration(n.ResumeTimeoutSeconds) * time.Second,
			RetryAmount:   n.RetryAmount,
			Reconnect: lavalink.ReconnectPolicy{
				InitialDelay: time.Duration(n.Reconnect.InitialDelayMs) * time.Millisecond,
				MaxDelay:     time.Duration(n.Reconnect.MaxDelayMs) * time.Millisecond,
				MaxTries:     n.Reconnect.MaxTries,
			},
		}
		if _, err := manager.AddNode(opts); err != nil {
			slog.Error("failed to add node", "node", n.Identifier, "error", err)
			return 1
		}
	}

	prefix := cfg.Bot.CommandPrefix
	if prefix == "" {
		prefix = "!"
	}
	bot := &musicBot{manager: manager, prefix: prefix}
	session.AddHandler(bot.onMessage)

	if err := session.Open(); err != nil {
		slog.Error("failed to open discord session", "error", err)
		return 1
	}
	defer session.Close()
	slog.Info("lavafleet-bot running", "nodes", len(cfg.Nodes), "prefix", prefix)

	// ── Serve metrics + wait for shutdown ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("shutdown with error", "error", err)
	}
	manager.Shutdown()
	slog.Info("lavafleet-bot stopped")
	return 0
}

// newLogger builds a text slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
