package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tokligence/tokligence-relay/internal/auth"
	"github.com/tokligence/tokligence-relay/internal/bootstrap"
	"github.com/tokligence/tokligence-relay/internal/config"
	"github.com/tokligence/tokligence-relay/internal/version"
)

func main() {
	_ = godotenv.Load()

	args := os.Args[1:]
	cmd := "chat"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "chat":
		err = runChatCommand(args)
	case "init":
		err = runInit(args)
	case "token":
		err = runToken(args, os.Stdout)
	case "version":
		fmt.Println(version.UserAgent())
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "relayctl %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `Tokligence Relay CLI

Usage:
  relayctl [chat] [flags]   Stream one prompt through relayd
  relayctl init [flags]     Generate config/setting.ini and config/<env>/relay.ini
  relayctl token [flags]    Issue an auth token for a user
  relayctl version          Print the client version

Flags for chat:
  --addr string        relay WebSocket URL (default $RELAY_ADDR or ws://127.0.0.1:8090/v1/relay)
  --provider string    provider name or "auto" (default 'loopback')
  --model string       model id (default 'echo')
  --prompt string      prompt text; read from stdin when empty
  --system string      optional system prompt
  --session string     session id for coalescing
  --user string        user id (default $USER)
  --token string       auth token (default $RELAY_AUTH_TOKEN)
  --id string          client request id
  --stop-after int     send chat.stop after this many frames
  --timeout duration   overall deadline (default 5m)
`)
}

func runChatCommand(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	opts := chatOptions{}
	fs.StringVar(&opts.Addr, "addr", stringFromEnv("RELAY_ADDR", "ws://127.0.0.1:8090/v1/relay"), "relay WebSocket URL")
	fs.StringVar(&opts.Provider, "provider", "loopback", "provider name or auto")
	fs.StringVar(&opts.Model, "model", "echo", "model id")
	fs.StringVar(&opts.Prompt, "prompt", "", "prompt text")
	fs.StringVar(&opts.System, "system", "", "system prompt")
	fs.StringVar(&opts.SessionID, "session", "", "session id")
	fs.StringVar(&opts.UserID, "user", stringFromEnv("USER", "relayctl"), "user id")
	fs.StringVar(&opts.Token, "token", stringFromEnv("RELAY_AUTH_TOKEN", ""), "auth token")
	fs.StringVar(&opts.RequestID, "id", "", "client request id")
	fs.IntVar(&opts.StopAfter, "stop-after", 0, "send chat.stop after N frames")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(opts.Prompt) == "" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		opts.Prompt = strings.TrimSpace(string(raw))
	}
	if opts.Prompt == "" {
		return errors.New("prompt required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	return runChat(ctx, opts, os.Stdout, os.Stderr)
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	root := fs.String("root", ".", "config root")
	env := fs.String("env", "dev", "environment name")
	httpAddr := fs.String("http-address", ":8090", "relayd bind address")
	ledgerDSN := fs.String("ledger-dsn", "", "ledger sqlite path or postgres:// URL")
	policy := fs.String("collision-policy", config.CollisionReject, "reject or supersede")
	secret := fs.String("auth-secret", "", "enable token auth with this secret")
	ollama := fs.String("ollama-base-url", "", "ollama base URL")
	loop := fs.Bool("loopback", true, "enable the loopback provider")
	force := fs.Bool("force", false, "overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := bootstrap.InitOptions{
		Root:            *root,
		Environment:     *env,
		HTTPAddress:     *httpAddr,
		LedgerDSN:       *ledgerDSN,
		CollisionPolicy: *policy,
		AuthSecret:      *secret,
		OllamaBaseURL:   *ollama,
		Loopback:        *loop,
		Force:           *force,
	}
	if err := bootstrap.Validate(opts); err != nil {
		return err
	}
	if err := bootstrap.Init(opts); err != nil {
		return err
	}
	fmt.Printf("wrote config under %s/config\n", strings.TrimRight(*root, "/"))
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	root := fs.String("root", ".", "config root used when --secret is empty")
	secret := fs.String("secret", "", "signing secret (default: auth_secret from config)")
	user := fs.String("user", "", "user id")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*user) == "" {
		return errors.New("user required")
	}
	key := strings.TrimSpace(*secret)
	if key == "" {
		cfg, err := config.LoadRelayConfig(*root)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		key = cfg.AuthSecret
	}
	if key == "" {
		return errors.New("no auth secret configured")
	}
	token, err := auth.NewManager(key).IssueToken(*user, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func stringFromEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
