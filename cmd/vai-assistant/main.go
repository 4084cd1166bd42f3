package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/vango-go/vai-assistant/pkg/gateway/config"
)

// Options is the root command. Struct tags are read by go-flags.
type Options struct {
	EnvFile string `long:"env-file" default:".env" description:"dotenv file loaded before reading configuration (missing is fine)"`

	Serve    ServeCmd    `command:"serve" description:"Run the live session gateway"`
	Replay   ReplayCmd   `command:"replay" description:"Feed recorded PCM audio through a fresh session and print its node transitions"`
	Validate ValidateCmd `command:"validate" description:"Load and resolve every agent descriptor"`
}

type ServeCmd struct {
	Addr string `long:"addr" description:"listen address (overrides VAI_ASSISTANT_ADDR)"`
}

type ReplayCmd struct {
	Agent    string            `long:"agent" required:"true" description:"agent id"`
	Audio    string            `long:"audio" required:"true" description:"raw PCM16LE mono audio at the configured sample rate"`
	FrameMs  int               `long:"frame-ms" default:"20" description:"frame size fed to the session"`
	Realtime bool              `long:"realtime" description:"pace frames at playback speed"`
	Idle     time.Duration     `long:"idle" default:"2s" description:"quiet period after the last frame before terminating"`
	Vars     map[string]string `long:"var" description:"session variable as key:value (repeatable)"`
}

type ValidateCmd struct {
	Dir string `long:"dir" env:"VAI_ASSISTANT_AGENTS_DIR" default:"agents" description:"agent descriptor directory"`
}

type mainDeps struct {
	loadConfig   func() (config.Config, error)
	buildApp     func(context.Context, config.Config, *slog.Logger) (*app, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultMainDeps() mainDeps {
	return mainDeps{
		loadConfig: config.LoadFromEnv,
		buildApp:   buildApp,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, deps mainDeps) error {
	if len(args) == 0 {
		args = []string{"serve"}
	}

	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "vai-assistant"
	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			fmt.Fprintln(stdout, err)
			return nil
		}
		return err
	}
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return err
	}

	switch parser.Active.Name {
	case "validate":
		return validateAgents(ctx, opts.Validate.Dir, stdout)
	}

	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogLevel)

	switch parser.Active.Name {
	case "serve":
		if opts.Serve.Addr != "" {
			cfg.Addr = opts.Serve.Addr
		}
		return runServe(ctx, cfg, logger, deps)
	case "replay":
		return runReplay(ctx, cfg, opts.Replay, logger, stdout)
	default:
		return fmt.Errorf("unknown command %q", parser.Active.Name)
	}
}

// runReplay replays against agents from the configured directory. Records
// are logged but not sent to the configured stores.
func runReplay(ctx context.Context, cfg config.Config, cmd ReplayCmd, logger *slog.Logger, stdout io.Writer) error {
	pcm, err := os.ReadFile(cmd.Audio)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	if cmd.FrameMs <= 0 {
		return errors.New("--frame-ms must be > 0")
	}

	cfg.LogRecords = true
	cfg.DatabaseURL, cfg.RedisURL, cfg.StripeAPIKey = "", "", ""
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = replay(ctx, a.manager, replayOptions{
		AgentID:  cmd.Agent,
		Vars:     cmd.Vars,
		Audio:    cfg.Live.Audio,
		FrameMs:  cmd.FrameMs,
		Realtime: cmd.Realtime,
		Idle:     cmd.Idle,
	}, pcm, stdout)
	return err
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps mainDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := run(ctx, args, stdout, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-assistant: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultMainDeps()))
}
