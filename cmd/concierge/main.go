// Concierge is a small-business website assistant.
//
// It serves an HTTP API for embedded chat widgets: visitors mint a
// rate-limited session, then converse with a model that can search the
// business's knowledge base, check the booking calendar, forward
// booking requests by email, and hand out a contact card.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	concierge serve       Start the API server
//	concierge version     Print version and build information
//	concierge -o json version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meridianworks/concierge/internal/agent"
	"github.com/meridianworks/concierge/internal/api"
	"github.com/meridianworks/concierge/internal/buildinfo"
	"github.com/meridianworks/concierge/internal/calendar"
	"github.com/meridianworks/concierge/internal/config"
	"github.com/meridianworks/concierge/internal/events"
	"github.com/meridianworks/concierge/internal/guard"
	"github.com/meridianworks/concierge/internal/kb"
	"github.com/meridianworks/concierge/internal/llm"
	"github.com/meridianworks/concierge/internal/mail"
	"github.com/meridianworks/concierge/internal/mqtt"
	"github.com/meridianworks/concierge/internal/session"
	"github.com/meridianworks/concierge/internal/tools"
	"github.com/meridianworks/concierge/internal/transcript"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the concierge command. All OS-level
// dependencies are injected as parameters so the full lifecycle can be
// exercised from tests. Arguments are parsed by hand; the flag package
// relies on package-level globals, and our surface is small enough that
// manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Concierge - Small Business Website Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: concierge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runServe handles the "concierge serve" subcommand: load config, index
// the knowledge base, register tools, start the API server, and block
// until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Concierge",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known.
	if cfg.LogLevel != "" {
		// Already validated by config.Load.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Provider.Model,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Event bus ---
	// Operational events flow to the optional MQTT notifier.
	bus := events.New()

	// --- Session ledger ---
	sessions := session.NewStore(session.Config{
		TTL:                     cfg.SessionTTL(),
		MessagesPerSession:      cfg.Session.MessagesPerSession,
		SessionsPerOriginPerDay: cfg.Session.SessionsPerOriginPerDay,
	}, logger)
	go sessions.StartSweep(ctx, time.Duration(cfg.Session.SweepMinutes)*time.Minute)

	// --- Conversation state ---
	transcripts := transcript.NewStore()
	g := guard.New()

	// --- Model provider ---
	client := llm.NewOpenAIClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Model, logger)

	// --- Tools ---
	registry := tools.NewRegistry(logger)

	if cfg.Knowledge.Dir != "" {
		store, err := kb.Open(cfg.Knowledge.ExcerptChars, logger)
		if err != nil {
			return fmt.Errorf("open knowledge index: %w", err)
		}
		defer store.Close()

		count, err := store.LoadDir(cfg.Knowledge.Dir)
		if err != nil {
			return fmt.Errorf("load knowledge base %s: %w", cfg.Knowledge.Dir, err)
		}
		tools.RegisterKnowledgeSearch(registry, store)
		logger.Info("knowledge search enabled", "documents", count)
	} else {
		logger.Info("knowledge search disabled (no directory configured)")
	}

	if cfg.Calendar.Enabled {
		avail, err := calendar.New(cfg.Calendar, logger)
		if err != nil {
			return fmt.Errorf("calendar: %w", err)
		}
		tools.RegisterCheckAvailability(registry, avail)
		logger.Info("availability checks enabled", "endpoint", cfg.Calendar.Endpoint)
	} else {
		logger.Info("availability checks disabled")
	}

	if cfg.SMTP.Host != "" && cfg.SMTP.BookingsTo != "" {
		dispatcher := mail.NewDispatcher(cfg.SMTP, cfg.Business.Name, logger)
		tools.RegisterRequestBooking(registry, &bookingNotifier{dispatcher: dispatcher, bus: bus})
		logger.Info("booking requests enabled", "relay", cfg.SMTP.Host)
	} else {
		logger.Info("booking requests disabled (smtp not configured)")
	}

	tools.RegisterContactCard(registry, cfg.Business)
	logger.Info("tools registered", "count", registry.Len())

	// --- System prompt ---
	prompt, err := systemPrompt(cfg)
	if err != nil {
		return err
	}

	// --- Agent loop ---
	loop := agent.NewLoop(logger, client, registry, transcripts, bus, prompt,
		cfg.Agent.MaxIterations, cfg.Agent.MaxTurns)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, sessions, g, transcripts, bus, logger)

	// --- MQTT notifier ---
	var notifier *mqtt.Notifier
	if cfg.MQTT.Enabled {
		stats := &statsAdapter{sessions: sessions, transcripts: transcripts}
		notifier = mqtt.New(cfg.MQTT, bus, stats, logger)
		go func() {
			if err := notifier.Start(ctx); err != nil {
				logger.Error("mqtt notifier failed", "error", err)
			}
		}()
		logger.Info("mqtt notifications enabled",
			"broker", cfg.MQTT.Broker,
			"prefix", cfg.MQTT.TopicPrefix,
		)
	} else {
		logger.Info("mqtt notifications disabled")
	}

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if notifier != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := notifier.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	// Blocks until shutdown or fatal listener error.
	if err := server.Start(); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Concierge stopped")
	return nil
}

// systemPrompt loads the configured prompt file, or builds a default
// from the business details.
func systemPrompt(cfg *config.Config) (string, error) {
	if cfg.Agent.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptFile)
		if err != nil {
			return "", fmt.Errorf("load system prompt %s: %w", cfg.Agent.SystemPromptFile, err)
		}
		return string(data), nil
	}

	biz := cfg.Business
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the website assistant for %s.\n", biz.Name)
	sb.WriteString("Answer visitor questions using the knowledge base tool before relying on general knowledge. ")
	sb.WriteString("Help visitors check appointment availability and send booking requests; the business confirms bookings separately, so never promise a confirmed slot. ")
	sb.WriteString("Be brief, warm, and concrete. If you don't know something about the business, say so and offer to pass the question on.\n")
	if biz.Phone != "" || biz.Email != "" {
		fmt.Fprintf(&sb, "Contact details: phone %s, email %s.\n", biz.Phone, biz.Email)
	}
	if biz.Website != "" {
		fmt.Fprintf(&sb, "Website: %s\n", biz.Website)
	}
	if biz.Address != "" {
		fmt.Fprintf(&sb, "Address: %s\n", biz.Address)
	}
	return sb.String(), nil
}

// newLogger creates a structured text logger writing to w at the given
// level. All log output goes through slog.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist); otherwise
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// bookingNotifier decorates the mail dispatcher with a bus event per
// delivered request.
type bookingNotifier struct {
	dispatcher *mail.Dispatcher
	bus        *events.Bus
}

func (b *bookingNotifier) SendBookingRequest(ctx context.Context, req mail.BookingRequest) error {
	if err := b.dispatcher.SendBookingRequest(ctx, req); err != nil {
		return err
	}
	b.bus.Publish(events.Event{
		Source: events.SourceBooking,
		Kind:   events.KindBookingSent,
		Data:   map[string]any{"service": req.Service},
	})
	return nil
}

// statsAdapter bridges runtime state to the MQTT notifier's
// [mqtt.StatsSource] interface.
type statsAdapter struct {
	sessions    *session.Store
	transcripts *transcript.Store
}

func (a *statsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string       { return buildinfo.Version }
func (a *statsAdapter) ActiveSessions() int   { return a.sessions.ActiveCount() }
func (a *statsAdapter) Conversations() int    { return a.transcripts.ConversationCount() }
