package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/studyhook"
	"github.com/loykin/studyhook/internal/dispatcher"
	"github.com/loykin/studyhook/internal/event"
	"github.com/loykin/studyhook/internal/logger"
	tlsconf "github.com/loykin/studyhook/internal/tls"
)

var errNotAccepted = errors.New("notification was not accepted")

// SendFlags holds flags for the send command
type SendFlags struct {
	URL      string
	ID       string
	Kind     string
	Level    string
	Timeout  time.Duration
	Retries  int
	Headers  []string
	Insecure bool
	Verbose  bool

	LogLevel  string
	LogFormat string
	LogColor  bool
}

func createSendCommand() *cobra.Command {
	flags := &SendFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver one notification and print the outcome",
		Long: `Build the notification for one event and post it once, exactly as the
daemon would. The outcome is printed as JSON; the exit code is 1 unless
the endpoint answered 200.

Examples:
  studyhook send --url http://localhost:8080/hook --id abc123
  studyhook send --url https://hooks.example/x --id s1 --kind StableSeries --level Series`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSend(cmd, flags)
		},
	}
	cmd.Flags().StringVar(&flags.URL, "url", "", "notification endpoint (required)")
	cmd.Flags().StringVar(&flags.ID, "id", "", "resource id (required)")
	cmd.Flags().StringVar(&flags.Kind, "kind", event.KindStableStudy.String(), "change type")
	cmd.Flags().StringVar(&flags.Level, "level", event.LevelStudy.String(), "resource level")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", dispatcher.DefaultTimeout, "request timeout")
	cmd.Flags().IntVar(&flags.Retries, "retries", 0, "extra attempts after a transport failure")
	cmd.Flags().StringArrayVar(&flags.Headers, "header", nil, "extra header as Name=Value (repeatable)")
	cmd.Flags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().BoolVarP(&flags.Verbose, "verbose", "v", false, "log delivery details to stderr (same as --log-level debug)")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "error", "stderr log level: debug, info, warn, error")
	cmd.Flags().StringVar(&flags.LogFormat, "log-format", "text", "stderr log format: text or json")
	cmd.Flags().BoolVar(&flags.LogColor, "log-color", false, "colorize text logs")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runSend(cmd *cobra.Command, f *SendFlags) error {
	kind, ok := event.ParseKind(f.Kind)
	if !ok {
		return fmt.Errorf("unknown change type %q", f.Kind)
	}
	level, ok := event.ParseLevel(f.Level)
	if !ok {
		return fmt.Errorf("unknown resource level %q", f.Level)
	}
	headers, err := parseHeaders(f.Headers)
	if err != nil {
		return err
	}
	tlsCfg, err := tlsconf.ClientConfig(tlsconf.ClientOptions{InsecureSkipVerify: f.Insecure})
	if err != nil {
		return err
	}

	// The printed outcome already carries the result, so only errors are
	// logged unless asked.
	lc := logger.Config{Slog: logger.SlogConfig{Level: f.LogLevel, Format: f.LogFormat, Color: f.LogColor}}
	if f.Verbose {
		lc.Slog.Level = "debug"
	}
	log, closer, err := logger.NewSlogger(lc, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	d, err := dispatcher.New(dispatcher.Config{
		URL:       f.URL,
		Timeout:   f.Timeout,
		Event:     kind,
		Retries:   f.Retries,
		Headers:   headers,
		UserAgent: studyhook.UserAgent(),
		TLS:       tlsCfg,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer d.Close()

	out := d.Handle(event.Event{Kind: kind, Level: level, ResourceID: f.ID})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !out.Accepted() {
		return errNotAccepted
	}
	return nil
}

func parseHeaders(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid header %q, want Name=Value", kv)
		}
		m[strings.TrimSpace(k)] = v
	}
	return m, nil
}
