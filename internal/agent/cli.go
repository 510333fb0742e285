package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// passwordPrompt is a sentinel passed to --password's NoOptDefVal: it
// marks "flag present, no value supplied" so Execute knows to prompt
// interactively rather than send it to the broker as a literal password.
const passwordPrompt = "\x00prompt\x00"

// NewCommand builds the agent's cobra root command, exposing the flags
// named in the CLI surface (§6) plus --config for an optional config file.
func NewCommand() *cobra.Command {
	var (
		configPath string
		port       int
		host       string
		subdomain  string
		password   string
		tcpMode    bool
		server     string
		insecure   bool
		caPath     string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Expose a local server through a reverse tunnel broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == passwordPrompt {
				var err error
				password, err = promptPassword()
				if err != nil {
					return err
				}
			}
			if insecure {
				slog.Warn("TLS certificate verification disabled (--insecure) — traffic to the broker is not authenticated")
			}

			var cfg *Config
			if configPath != "" {
				var err error
				cfg, err = LoadConfig(configPath)
				if err != nil {
					return err
				}
			} else {
				cfg = defaultConfig()
			}

			if cmd.Flags().Changed("host") {
				cfg.Local.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Local.Port = port
			}
			if server != "" {
				cfg.Broker.URL = server
			}
			if insecure {
				cfg.Broker.Insecure = insecure
			}
			if caPath != "" {
				cfg.Broker.CABundle = caPath
			}
			if subdomain != "" {
				cfg.Tunnel.Subdomain = subdomain
			}
			if password != "" {
				cfg.Tunnel.Password = password
			}
			if tcpMode {
				cfg.Tunnel.Protocol = "tcp"
			}
			applyEnvOverrides(cfg)
			if err := cfg.validate(); err != nil {
				return err
			}

			return runAgent(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to an agent configuration file (flags below override it)")
	flags.IntVar(&port, "port", 3000, "local port to expose")
	flags.StringVar(&host, "host", "localhost", "local host to expose")
	flags.StringVar(&subdomain, "subdomain", "", "requested subdomain (broker may reassign)")
	flags.StringVar(&password, "password", "", "password-gate this tunnel (bare flag prompts interactively)")
	flags.Lookup("password").NoOptDefVal = passwordPrompt
	flags.BoolVar(&tcpMode, "tcp", false, "expose a raw TCP tunnel instead of HTTP")
	flags.StringVar(&server, "server", "", "broker base url (ws[s]://host or http[s]://host)")
	flags.BoolVar(&insecure, "insecure", false, "disable TLS certificate verification when dialing the broker")
	flags.StringVar(&caPath, "ca", "", "path to a custom CA bundle for verifying the broker")

	return cmd
}

func promptPassword() (string, error) {
	fmt.Fprint(os.Stderr, "tunnel password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// runAgent wires a colorized event stream to the core Agent and blocks
// until it exits or the process receives an interrupt, returning a
// process-level exit code of 0 (clean) or 1 (unrecoverable), per §6.
func runAgent(cfg *Config) error {
	a, err := New(cfg, &cliEventSink{})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// cliEventSink renders Agent lifecycle events as colorized lines to
// stderr.
type cliEventSink struct{}

func (cliEventSink) Emit(ev Event) {
	ts := time.Now().Format("15:04:05")
	switch ev.Kind {
	case EventConnected:
		color.New(color.FgGreen).Fprintf(os.Stderr, "[%s] connected  %s\n", ts, ev.PublicURL)
	case EventDisconnected:
		color.New(color.FgYellow).Fprintf(os.Stderr, "[%s] disconnected  %v\n", ts, ev.Err)
	case EventReconnecting:
		color.New(color.FgYellow).Fprintf(os.Stderr, "[%s] reconnecting  attempt %d/%d\n", ts, ev.Attempt, ev.MaxAttempt)
	case EventReconnected:
		color.New(color.FgGreen).Fprintf(os.Stderr, "[%s] reconnected  %s\n", ts, ev.PublicURL)
	case EventReconnectFailed:
		color.New(color.FgRed).Fprintf(os.Stderr, "[%s] reconnect failed  after %d attempts: %v\n", ts, ev.Attempt, ev.Err)
	case EventRequest:
		statusColor := color.FgGreen
		if ev.StatusCode >= 400 {
			statusColor = color.FgRed
		} else if ev.StatusCode >= 300 {
			statusColor = color.FgYellow
		}
		color.New(color.FgCyan).Fprintf(os.Stderr, "[%s] ", ts)
		color.New(statusColor).Fprintf(os.Stderr, "%-3d ", ev.StatusCode)
		fmt.Fprintf(os.Stderr, "%-6s %s\n", ev.Method, ev.Path)
	}
}
