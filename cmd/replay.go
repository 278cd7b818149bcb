package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/sap/internal/config"
	"firestige.xyz/sap/internal/listener"
	"firestige.xyz/sap/internal/log"
	"firestige.xyz/sap/internal/reaper"
	"firestige.xyz/sap/internal/session"
	"firestige.xyz/sap/internal/sink"
)

var replayWrite bool

var replayCmd = &cobra.Command{
	Use:   "replay <capture.pcap>",
	Short: "Rebuild the session directory from a packet capture",
	Long: `Feed the SAP datagrams of a pcap file through the listener using capture
timestamps as the clock, expire sessions at the configured sweep interval of
capture time and print the surviving directory as YAML.

Documents are only written when --write is given.

Examples:
  sapd replay sap.pcap
  sapd replay sap.pcap --write --output-dir ./sessions`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile, func(c *config.Config) { listenOpt.apply(cmd, c) })
		if err != nil {
			return err
		}
		if err := log.Init(cfg.Log); err != nil {
			return err
		}
		return runReplay(cmd.Context(), cfg, args[0], replayWrite, cmd.OutOrStdout())
	},
}

func init() {
	f := replayCmd.Flags()
	f.BoolVar(&replayWrite, "write", false, "persist session documents through the configured sink")
	bindListenFlags(replayCmd, &listenOpt)
}

type replayReport struct {
	Frames    int             `yaml:"frames"`
	Datagrams int             `yaml:"datagrams"`
	Results   map[string]int  `yaml:"results"`
	Expired   int             `yaml:"expired"`
	First     time.Time       `yaml:"first,omitempty"`
	Last      time.Time       `yaml:"last,omitempty"`
	Sessions  []sessionReport `yaml:"sessions"`
}

type sessionReport struct {
	Title    string    `yaml:"title"`
	ID       string    `yaml:"id"`
	Handle   string    `yaml:"handle"`
	Created  time.Time `yaml:"created"`
	LastSeen time.Time `yaml:"last_seen"`
}

func runReplay(ctx context.Context, cfg *config.Config, path string, write bool, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scope, err := session.ParseScope(cfg.Listener.KeyScope)
	if err != nil {
		return err
	}

	var s sink.Sink = sink.Discard{}
	if write {
		if s, err = sink.Open(cfg.Listener); err != nil {
			return fmt.Errorf("failed to open sink: %w", err)
		}
	}
	defer s.Close()

	logger := log.GetLogger()
	store := session.NewStore(s, session.Options{Scope: scope, Extension: cfg.Listener.Sink.Extension, Logger: logger})
	r := reaper.New(store, cfg.Listener.Expire, cfg.Listener.SweepInterval, reaper.WithLogger(logger))

	stats, err := listener.Replay(ctx, f, listener.NewDispatcher(store, logger), r, cfg.Listener.SweepInterval)
	if err != nil {
		return fmt.Errorf("replay %s: %w", path, err)
	}

	report := replayReport{
		Frames:    stats.Frames,
		Datagrams: stats.Datagrams,
		Results:   make(map[string]int, len(stats.Results)),
		Expired:   stats.Expired,
		First:     stats.First,
		Last:      stats.Last,
		Sessions:  []sessionReport{},
	}
	for res, n := range stats.Results {
		report.Results[res.String()] = n
	}
	for _, rec := range store.Snapshot() {
		report.Sessions = append(report.Sessions, sessionReport{
			Title:    rec.Title,
			ID:       rec.Key.String(),
			Handle:   rec.Handle,
			Created:  rec.Created,
			LastSeen: rec.LastSeen,
		})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(report)
}
