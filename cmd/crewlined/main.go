// Crewlined is the Crewline workforce-assistant daemon.
//
// It drives a large-language-model through tool-calling conversation
// loops against the workforce capability registry, gates consequential
// actions behind human approval, and records every decision in an
// append-only audit trail. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	crewlined serve              Start the API server
//	crewlined ask <question>     Ask a single question (for testing)
//	crewlined version            Print version and build information
//	crewlined -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/crewline/crewline/internal/agent"
	"github.com/crewline/crewline/internal/api"
	"github.com/crewline/crewline/internal/audit"
	"github.com/crewline/crewline/internal/buildinfo"
	"github.com/crewline/crewline/internal/checkpoint"
	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/confirm"
	"github.com/crewline/crewline/internal/cooldown"
	"github.com/crewline/crewline/internal/events"
	"github.com/crewline/crewline/internal/llm"
	"github.com/crewline/crewline/internal/notify"
	"github.com/crewline/crewline/internal/session"
	"github.com/crewline/crewline/internal/tools"
	"github.com/crewline/crewline/internal/workforce"
)

const systemPrompt = `You are Crewline, a workforce-management assistant.
You help managers run their teams: inspecting rosters, assigning shifts,
messaging teams, and awarding recognition points. Use the available
tools; never invent roster data. Actions that affect people's schedules
or phones require human confirmation, which the system handles for you.
Be concise.`

// main is intentionally minimal. It constructs the OS-level environment
// and delegates immediately to [run] so the full lifecycle can be
// driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which interferes with
// calling run concurrently from tests, and the argument surface here is
// small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
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
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: crewlined ask <question>")
		}
		return runAsk(ctx, stdout, configPath, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, `Crewline workforce-assistant daemon

Usage:
  crewlined serve              Start the API server
  crewlined ask <question>     Ask a single question (for testing)
  crewlined version            Print version and build information

Flags:
  -config <path>   Config file path (default: auto-discover)
  -o <format>      Output format: text or json`)
	return nil
}

func runVersion(w io.Writer, format string) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// buildRegistry wires the capability registry against the given
// back-ends.
func buildRegistry(roster tools.RosterService, messenger tools.Messenger, ledger tools.PointsLedger) *tools.Registry {
	registry := tools.NewRegistry()
	registry.Register(&tools.ListShiftsTool{Roster: roster})
	registry.Register(&tools.AssignShiftTool{Roster: roster})
	registry.Register(&tools.SendTeamMessageTool{Messenger: messenger})
	registry.Register(&tools.AwardPointsTool{Ledger: ledger})
	return registry
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Crewline",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Anthropic.Model,
	)
	if cfg.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is not configured")
	}

	// --- Data directory ---
	// All persistent state (sessions, audit trail, cooldown counters,
	// checkpoints) lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Stores ---
	sessions, err := session.NewStore(filepath.Join(cfg.DataDir, "sessions.db"))
	if err != nil {
		return err
	}
	defer sessions.Close()

	auditStore, err := audit.NewStore(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		return err
	}
	defer auditStore.Close()

	cooldowns, err := cooldown.NewStore(filepath.Join(cfg.DataDir, "cooldowns.db"))
	if err != nil {
		return err
	}
	defer cooldowns.Close()

	checkpoints, err := checkpoint.NewStore(filepath.Join(cfg.DataDir, "checkpoints.db"))
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	logger.Info("stores opened", "data_dir", cfg.DataDir)

	// --- Event bus ---
	bus := events.New()

	// Shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Notification channels ---
	var channels []notify.Channel
	var mqttChannel *notify.MQTTChannel
	if cfg.MQTT.Enabled {
		mqttChannel = notify.NewMQTTChannel(cfg.MQTT, logger)
		if err := mqttChannel.Start(ctx); err != nil {
			logger.Error("mqtt channel failed to start", "error", err)
		} else {
			channels = append(channels, mqttChannel)
		}
	}
	if cfg.EmailNotify.Enabled {
		channels = append(channels, notify.NewEmailChannel(
			cfg.EmailNotify, cfg.Confirmations.ApprovalBaseURL, logger))
	}
	var notifier confirm.Notifier
	if len(channels) > 0 {
		notifier = notify.NewMulti(logger, channels...)
	}

	// --- Capability registry ---
	// Standalone deployments run against the in-memory back-ends; the
	// main application injects its own services here.
	registry := buildRegistry(
		workforce.NewMemoryRoster(),
		workforce.NewMemoryMessenger(),
		workforce.NewMemoryLedger(),
	)
	logger.Info("capability registry built", "tools", registry.Names())

	// --- Confirmation gate ---
	gate := confirm.NewGate(sessions, registry, auditStore, bus, notifier,
		cfg.ConfirmationExpiry(), logger)
	go gate.RunSweeper(ctx, time.Minute)

	// --- Provider client and conversation loop ---
	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	loop := agent.NewLoop(client, sessions, registry, gate, auditStore,
		cooldowns, checkpoints, bus, cfg.Pricing, agent.Options{
			MaxContinuations: cfg.Loop.MaxContinuations,
			HistoryWindow:    cfg.Loop.HistoryWindow,
			MaxTokens:        cfg.Loop.MaxTokens,
		}, logger)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port,
		loop, gate, sessions, auditStore, bus,
		cfg.Anthropic.Model, systemPrompt, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if mqttChannel != nil {
		if err := mqttChannel.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown", "error", err)
		}
	}
	return server.Shutdown(shutdownCtx)
}

// runAsk sends one question through the loop against a throwaway
// session and prints the streamed events as text.
func runAsk(ctx context.Context, stdout io.Writer, configPath, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is not configured")
	}
	logger := newLogger(io.Discard, slog.LevelInfo)

	dir, err := os.MkdirTemp("", "crewline-ask-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	sessions, err := session.NewStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		return err
	}
	defer sessions.Close()
	auditStore, err := audit.NewStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		return err
	}
	defer auditStore.Close()
	cooldowns, err := cooldown.NewStore(filepath.Join(dir, "cooldowns.db"))
	if err != nil {
		return err
	}
	defer cooldowns.Close()

	registry := buildRegistry(
		workforce.NewMemoryRoster(),
		workforce.NewMemoryMessenger(),
		workforce.NewMemoryLedger(),
	)
	gate := confirm.NewGate(sessions, registry, auditStore, nil, nil,
		cfg.ConfirmationExpiry(), logger)
	client := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
	loop := agent.NewLoop(client, sessions, registry, gate, auditStore,
		cooldowns, nil, nil, cfg.Pricing, agent.Options{}, logger)

	sess, err := sessions.CreateSession(ctx, "cli", "ask")
	if err != nil {
		return err
	}

	return loop.Run(ctx, agent.RunRequest{
		SessionID:   sess.ID,
		UserID:      "cli",
		AgentID:     "chat",
		Model:       cfg.Anthropic.Model,
		System:      systemPrompt,
		UserMessage: question,
	}, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventText:
			fmt.Fprint(stdout, ev.Text)
		case agent.EventToolStart:
			fmt.Fprintf(stdout, "\n[tool: %s]\n", ev.ToolName)
		case agent.EventToolResult:
			fmt.Fprintf(stdout, "[%s → %s]\n", ev.ToolName, ev.Result)
		case agent.EventPendingAction:
			fmt.Fprintf(stdout, "[awaiting approval %s: %s]\n", ev.PendingID, ev.ConfirmText)
		case agent.EventDone:
			fmt.Fprintf(stdout, "\n\n(tokens in=%d out=%d cost=$%.6f)\n",
				ev.InputTokens, ev.OutputTokens, ev.CostUSD)
			if ev.SoftError != "" {
				fmt.Fprintf(stdout, "note: %s\n", ev.SoftError)
			}
		case agent.EventError:
			fmt.Fprintf(stdout, "\nerror: %s\n", ev.Message)
		}
	})
}
