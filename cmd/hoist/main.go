// Command hoist runs commands on remote hosts over SSH, copies files and
// forwards ports, with OpenSSH-style jump host chains.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/hoist-sh/hoist"
	"github.com/hoist-sh/hoist/run"
)

func main() {
	app := &cli.App{
		Name:  "hoist",
		Usage: "run commands on remote hosts over SSH",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "Login user when the host spec has none.",
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "Password for authentication.",
				EnvVars: []string{"HOIST_PASSWORD"},
			},
			&cli.BoolFlag{
				Name:  "ask-password",
				Usage: "Prompt for the password on the terminal.",
			},
			&cli.StringSliceFlag{
				Name:    "identity",
				Aliases: []string{"i"},
				Usage:   "Private key file for authentication. Repeatable.",
			},
			&cli.StringSliceFlag{
				Name:    "jump",
				Aliases: []string{"J"},
				Usage:   "Jump host spec, outermost first. Repeatable for chains.",
			},
			&cli.StringFlag{
				Name:  "proxy-command",
				Usage: "Subprocess providing the transport; %h and %p expand to host and port.",
			},
			&cli.StringFlag{
				Name:  "known-hosts",
				Usage: "known_hosts file for host key verification.",
			},
			&cli.BoolFlag{
				Name:    "forward-agent",
				Aliases: []string{"A"},
				Usage:   "Relay the local SSH agent to remote sessions.",
			},
			&cli.BoolFlag{
				Name:  "insecure-host-key",
				Usage: "Skip host key verification.",
			},
			&cli.DurationFlag{
				Name:  "connect-timeout",
				Usage: "Bound on dial and handshake.",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Verbose logging.",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			sudoCommand(),
			localCommand(),
			putCommand(),
			getCommand(),
			forwardCommand("forward-local", "listen locally, connect remotely (like ssh -L)"),
			forwardCommand("forward-remote", "listen remotely, connect locally (like ssh -R)"),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "warn",
			Usage: "Report nonzero exits in the result instead of failing.",
		},
		&cli.StringFlag{
			Name:  "hide",
			Usage: "Streams to hide from display: out, err or both.",
		},
		&cli.BoolFlag{
			Name:  "pty",
			Usage: "Request a pseudo-terminal.",
		},
		&cli.BoolFlag{
			Name:  "echo",
			Usage: "Print the command line before running it.",
		},
		&cli.StringSliceFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Environment override KEY=VALUE. Repeatable.",
		},
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Working directory for the command.",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "Bound on the command's runtime.",
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a command on a remote host",
		ArgsUsage: "<host> <command...>",
		Flags:     runFlags(),
		Action: func(ctx *cli.Context) error {
			return execAction(ctx, false, false)
		},
	}
}

func sudoCommand() *cli.Command {
	return &cli.Command{
		Name:      "sudo",
		Usage:     "run a command on a remote host under sudo",
		ArgsUsage: "<host> <command...>",
		Flags:     runFlags(),
		Action: func(ctx *cli.Context) error {
			return execAction(ctx, false, true)
		},
	}
}

func localCommand() *cli.Command {
	return &cli.Command{
		Name:      "local",
		Usage:     "run a command on the local machine",
		ArgsUsage: "<command...>",
		Flags:     runFlags(),
		Action: func(ctx *cli.Context) error {
			return execAction(ctx, true, false)
		},
	}
}

func execAction(ctx *cli.Context, local, sudo bool) error {
	args := ctx.Args().Slice()
	var host string
	if !local {
		if len(args) < 2 {
			return fmt.Errorf("usage: %s <host> <command...>", ctx.Command.Name)
		}
		host, args = args[0], args[1:]
	} else if len(args) < 1 {
		return fmt.Errorf("usage: %s <command...>", ctx.Command.Name)
	}
	command := strings.Join(args, " ")

	opts, err := execOptions(ctx)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if local {
		host = "localhost"
	}
	conn, err := buildConn(ctx, host)
	if err != nil {
		return err
	}
	defer conn.Close()

	var res *run.Result
	switch {
	case local:
		res, err = conn.Local(sigCtx, command, opts...)
	case sudo:
		res, err = conn.Sudo(sigCtx, command, opts...)
	default:
		res, err = conn.Run(sigCtx, command, opts...)
	}
	if err != nil {
		var exitErr *run.ExitError
		if errors.As(err, &exitErr) {
			return cli.Exit("", exitErr.Result.ExitCode)
		}
		var timeoutErr *run.TimeoutError
		if errors.As(err, &timeoutErr) {
			return cli.Exit(timeoutErr.Error(), 124)
		}
		return err
	}
	if ctx.Bool("warn") && !res.Ok() {
		fmt.Fprintf(os.Stderr, "exit %d (continuing)\n", res.ExitCode)
	}
	return nil
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "upload a file",
		ArgsUsage: "<host> <local-path> <remote-path>",
		Action: func(ctx *cli.Context) error {
			args := ctx.Args().Slice()
			if len(args) != 3 {
				return errors.New("usage: put <host> <local-path> <remote-path>")
			}
			conn, err := buildConn(ctx, args[0])
			if err != nil {
				return err
			}
			defer conn.Close()
			return conn.Put(context.Background(), args[1], args[2])
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "download a file",
		ArgsUsage: "<host> <remote-path> <local-path>",
		Action: func(ctx *cli.Context) error {
			args := ctx.Args().Slice()
			if len(args) != 3 {
				return errors.New("usage: get <host> <remote-path> <local-path>")
			}
			conn, err := buildConn(ctx, args[0])
			if err != nil {
				return err
			}
			defer conn.Close()
			return conn.Get(context.Background(), args[1], args[2])
		},
	}
}

func forwardCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<host> <listen-addr> <connect-addr>",
		Action: func(ctx *cli.Context) error {
			args := ctx.Args().Slice()
			if len(args) != 3 {
				return fmt.Errorf("usage: %s <host> <listen-addr> <connect-addr>", name)
			}
			conn, err := buildConn(ctx, args[0])
			if err != nil {
				return err
			}
			defer conn.Close()

			sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var fwd *hoist.Forward
			if name == "forward-local" {
				fwd, err = conn.ForwardLocal(sigCtx, args[1], args[2])
			} else {
				fwd, err = conn.ForwardRemote(sigCtx, args[1], args[2])
			}
			if err != nil {
				return err
			}
			defer fwd.Close()

			fmt.Printf("forwarding on %s, interrupt to stop\n", fwd.Addr())
			<-sigCtx.Done()
			return nil
		},
	}
}

// buildConn assembles a Connection from the global flags, including the jump
// chain: hops are given outermost first, each tunneling through the previous
// one.
func buildConn(ctx *cli.Context, host string) (*hoist.Connection, error) {
	cfg := hoist.DefaultConfig()
	if u := ctx.String("user"); u != "" {
		cfg.User = u
	}
	cfg.Password = ctx.String("password")
	if ctx.Bool("ask-password") {
		fmt.Fprint(os.Stderr, "password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		cfg.Password = string(raw)
	}
	cfg.KeyFiles = ctx.StringSlice("identity")
	if kh := ctx.String("known-hosts"); kh != "" {
		cfg.KnownHostsFiles = []string{kh}
	}
	cfg.InsecureHostKey = ctx.Bool("insecure-host-key")
	cfg.ForwardAgent = ctx.Bool("forward-agent")
	cfg.ConnectTimeout = ctx.Duration("connect-timeout")
	cfg.ProxyCommand = ctx.String("proxy-command")
	cfg.Logger = buildLogger(ctx.Bool("debug"))

	var gw hoist.Gateway
	for _, hop := range ctx.StringSlice("jump") {
		hopCfg := cfg
		hopCfg.Gateway = gw
		hopCfg.ProxyCommand = ""
		hopConn, err := hoist.New(hop, hoist.WithConfig(hopCfg))
		if err != nil {
			return nil, fmt.Errorf("building jump host %s: %w", hop, err)
		}
		gw = hopConn
	}
	if gw != nil {
		if cfg.ProxyCommand != "" {
			return nil, errors.New("--jump and --proxy-command are mutually exclusive")
		}
		cfg.Gateway = gw
	}

	return hoist.New(host, hoist.WithConfig(cfg))
}

func buildLogger(debug bool) *zap.SugaredLogger {
	if debug {
		logCfg := zap.NewDevelopmentConfig()
		logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		logger, err := logCfg.Build()
		if err != nil {
			log.Fatalf("building logger: %v", err)
		}
		return logger.Sugar()
	}
	logCfg := zap.NewProductionConfig()
	logCfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logger, err := logCfg.Build()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	return logger.Sugar()
}

// execOptions translates the run flags.
func execOptions(ctx *cli.Context) ([]run.Option, error) {
	var opts []run.Option
	if ctx.Bool("warn") {
		opts = append(opts, run.Warn())
	}
	if ctx.Bool("pty") {
		if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			opts = append(opts, run.PTYSize(cols, rows))
		} else {
			opts = append(opts, run.PTY())
		}
	}
	if ctx.Bool("echo") {
		opts = append(opts, run.Echo())
	}
	switch hide := ctx.String("hide"); hide {
	case "":
	case "out", "stdout":
		opts = append(opts, run.Hide(run.Out))
	case "err", "stderr":
		opts = append(opts, run.Hide(run.Err))
	case "both":
		opts = append(opts, run.Hide(run.Out | run.Err))
	default:
		return nil, fmt.Errorf("unknown --hide value %q", hide)
	}
	if env := ctx.StringSlice("env"); len(env) > 0 {
		m := make(map[string]string, len(env))
		for _, kv := range env {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("environment override %q is not KEY=VALUE", kv)
			}
			m[k] = v
		}
		opts = append(opts, run.Env(m))
	}
	if dir := ctx.String("dir"); dir != "" {
		opts = append(opts, run.Dir(dir))
	}
	if d := ctx.Duration("timeout"); d > 0 {
		opts = append(opts, run.Timeout(d))
	}
	return opts, nil
}
