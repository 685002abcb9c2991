package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/elevhost/agent"
	"github.com/guseggert/elevhost/client"
	"github.com/guseggert/elevhost/host"
	"github.com/guseggert/elevhost/internal/files"
	inet "github.com/guseggert/elevhost/internal/net"
	"github.com/guseggert/elevhost/protocol"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "elevhost",
		Usage: "run console programs with elevated rights on behalf of a remote client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Minimum log level. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"ELEVHOST_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "cert-dir",
				Usage:   "Directory holding the PEM files written by gencerts. Defaults to the nearest " + certDirName + " in the working directory or its parents.",
				EnvVars: []string{"ELEVHOST_CERT_DIR"},
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			genCertsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

const certDirName = ".elevhost"

// certDir returns --cert-dir, or the nearest existing certDirName.
func certDir(ctx *cli.Context) (string, error) {
	if dir := ctx.String("cert-dir"); dir != "" {
		return dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	dir, err := files.FindUp(certDirName, wd)
	if err != nil {
		return "", fmt.Errorf("finding cert dir (run gencerts or pass --cert-dir): %w", err)
	}
	return dir, nil
}

func loadCerts(ctx *cli.Context) (*agent.Certs, error) {
	dir, err := certDir(ctx)
	if err != nil {
		return nil, err
	}
	certs, err := agent.LoadCerts(dir)
	if err != nil {
		return nil, fmt.Errorf("loading certs: %w", err)
	}
	return certs, nil
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the agent that hosts elevated processes",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "The address for the HTTPS server to listen on.",
			Value:   "127.0.0.1:8080",
			EnvVars: []string{"ELEVHOST_LISTEN_ADDR"},
		},
		&cli.DurationFlag{
			Name:    "keep-alive-interval",
			Usage:   "How often an idle session probes its client.",
			Value:   500 * time.Millisecond,
			EnvVars: []string{"ELEVHOST_KEEP_ALIVE_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "drain-timeout",
			Usage:   "How long to wait for output after a process exits. Zero waits indefinitely.",
			EnvVars: []string{"ELEVHOST_DRAIN_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:    "encoding",
			Usage:   "Text encoding of the pipe and the process streams, by WHATWG label.",
			Value:   "utf-8",
			EnvVars: []string{"ELEVHOST_ENCODING"},
		},
		&cli.BoolFlag{
			Name:    "local-echo",
			Usage:   "Mirror relayed output on the agent's console.",
			EnvVars: []string{"ELEVHOST_LOCAL_ECHO"},
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		certs, err := loadCerts(ctx)
		if err != nil {
			return err
		}
		enc, err := host.LookupEncoding(ctx.String("encoding"))
		if err != nil {
			return err
		}

		sessionOpts := []host.Option{
			host.WithEncoding(enc),
			host.WithKeepAliveInterval(ctx.Duration("keep-alive-interval")),
			host.WithDrainTimeout(ctx.Duration("drain-timeout")),
		}
		if ctx.Bool("local-echo") {
			sessionOpts = append(sessionOpts, host.WithLocalEcho(os.Stdout))
		}

		a, err := agent.NewAgent(
			certs.CA.CertPEMBytes,
			certs.Server.CertPEMBytes,
			certs.Server.KeyPEMBytes,
			agent.WithLogger(logger),
			agent.WithListenAddr(ctx.String("listen-addr")),
			agent.WithSessionOptions(sessionOpts...),
		)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-sigCtx.Done()
			if err := a.Stop(); err != nil {
				logger.Sugar().Debugf("error stopping agent: %s", err)
			}
		}()

		return a.Run()
	},
}

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "run a program on an agent and exit with its exit code",
	ArgsUsage: "FILE [ARGS...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "agent-addr",
			Usage:   "The agent's host:port.",
			Value:   "127.0.0.1:8080",
			EnvVars: []string{"ELEVHOST_AGENT_ADDR"},
		},
		&cli.StringFlag{
			Name:  "start-folder",
			Usage: "Working directory of the program on the agent. Defaults to the local working directory.",
		},
		&cli.StringSliceFlag{
			Name:  "env",
			Usage: "NAME=VALUE pairs added to the program's environment. May be repeated.",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() == 0 {
			return cli.Exit("run: missing FILE", 2)
		}
		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		certs, err := loadCerts(ctx)
		if err != nil {
			return err
		}
		agentHost, agentPort, err := inet.SplitHostPort(ctx.String("agent-addr"))
		if err != nil {
			return err
		}
		c, err := client.NewClient(logger.Sugar(), certs, agentHost, agentPort)
		if err != nil {
			return fmt.Errorf("building client: %w", err)
		}

		startFolder := ctx.String("start-folder")
		if startFolder == "" {
			if startFolder, err = os.Getwd(); err != nil {
				return fmt.Errorf("getting working directory: %w", err)
			}
		}
		req := protocol.ElevationRequest{
			FileName:    ctx.Args().First(),
			Arguments:   joinArgs(ctx.Args().Tail()),
			StartFolder: startFolder,
			Environment: ctx.StringSlice("env"),
		}

		code, err := c.Run(context.Background(), req, client.Stdio{In: os.Stdin, Out: os.Stdout, Err: os.Stderr})
		if err != nil {
			return cli.Exit(err, 1)
		}
		if code != 0 {
			return cli.Exit("", code)
		}
		return nil
	},
}

var genCertsCommand = &cli.Command{
	Name:  "gencerts",
	Usage: "generate a CA and the agent and client key pairs into --cert-dir (default " + certDirName + ")",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "valid-for",
			Usage: "Lifetime of the generated certificates.",
			Value: 365 * 24 * time.Hour,
		},
	},
	Action: func(ctx *cli.Context) error {
		certs, err := agent.GenerateCerts(ctx.Duration("valid-for"))
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		dir := ctx.String("cert-dir")
		if dir == "" {
			dir = certDirName
		}
		if err := certs.WriteDir(dir); err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "wrote certs to %s\n", dir)
		return nil
	},
}

// joinArgs builds the single argument string of an elevation request,
// quoting arguments that the agent would otherwise split.
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && strings.IndexFunc(a, needsQuote) < 0 {
			quoted[i] = a
			continue
		}
		a = strings.ReplaceAll(a, `\`, `\\`)
		a = strings.ReplaceAll(a, `"`, `\"`)
		a = strings.ReplaceAll(a, "$", `\$`)
		a = strings.ReplaceAll(a, "`", "\\`")
		quoted[i] = `"` + a + `"`
	}
	return strings.Join(quoted, " ")
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,@+%", r)
}
