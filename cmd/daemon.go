package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/sap/internal/config"
	"firestige.xyz/sap/internal/daemon"
	"firestige.xyz/sap/internal/sdp"
)

type listenFlags struct {
	expireSec  int
	outputDir  string
	keyScope   string
	sinkDriver string
	sinkPath   string
}

type announceFlags struct {
	name        string
	group       string
	port        int
	ttl         int
	sapTTL      int
	payloadType int
	source      string
	sapInterval float64
	documents   []string
}

var (
	pidFile   string
	listenOpt listenFlags
	announce  announceFlags
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Maintain the directory of announced sessions",
	Long: `Join the SAP group and keep one SDP document per announced session.

A document is written when a session is first announced and removed when its
sender sends a Delete or stops re-announcing it for longer than the expiry.

Examples:
  sapd listen --output-dir /var/lib/sapd
  sapd listen --expire-sec 600 --key-scope origin
  sapd listen -c /etc/sapd/sapd.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile, func(c *config.Config) { listenOpt.apply(cmd, c) })
		if err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg, daemon.ModeListen)
	},
}

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Announce local sessions on the SAP group",
	Long: `Multicast SAP announcements for locally authored sessions until interrupted,
then withdraw them with a Delete.

Sessions come from SDP files (--document) or are built from --name and the
media flags. Without --sap-interval the repeat interval is drawn uniformly from
the configured bounds on every cycle.

Examples:
  sapd announce --name "Feed A - Ball"
  sapd announce --name "Camera 1" --group 239.255.0.42 --port 5006 --sap-interval 20
  sapd announce --document /etc/sapd/feed-b.sdp`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile, func(c *config.Config) { announce.apply(cmd, c) })
		if err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg, daemon.ModeAnnounce)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run listener and announcer together",
	Long: `Run both sides of the protocol in one process, as configured in the config
file. Flags of listen and announce apply here as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile, func(c *config.Config) {
			listenOpt.apply(cmd, c)
			announce.apply(cmd, c)
		})
		if err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg, daemon.ModeBoth)
	},
}

func init() {
	for _, c := range []*cobra.Command{listenCmd, announceCmd, runCmd} {
		c.Flags().StringVarP(&pidFile, "pidfile", "p", "", "PID file path")
	}
	bindListenFlags(listenCmd, &listenOpt)
	bindListenFlags(runCmd, &listenOpt)
	bindAnnounceFlags(announceCmd, &announce)
	bindAnnounceFlags(runCmd, &announce)
}

func bindListenFlags(c *cobra.Command, f *listenFlags) {
	fs := c.Flags()
	fs.IntVar(&f.expireSec, "expire-sec", 300, "seconds without re-announcement before a session expires")
	fs.StringVarP(&f.outputDir, "output-dir", "o", ".", "directory for session documents")
	fs.StringVar(&f.keyScope, "key-scope", config.KeyScopeMessageID, "session identity: message_id or origin")
	fs.StringVar(&f.sinkDriver, "sink", config.SinkFile, "session sink: file, sqlite or console")
	fs.StringVar(&f.sinkPath, "sink-path", "", "sqlite database path")
}

func bindAnnounceFlags(c *cobra.Command, f *announceFlags) {
	fs := c.Flags()
	fs.StringVar(&f.name, "name", "", "session name (s= line)")
	fs.StringVar(&f.group, "group", "", "media multicast group (default derived from name in 239.255.0.0/16)")
	fs.IntVar(&f.port, "port", 5004, "media RTP port")
	fs.IntVar(&f.ttl, "ttl", 1, "multicast TTL of the media stream (c= line)")
	fs.IntVar(&f.sapTTL, "sap-ttl", 1, "multicast TTL of the SAP announcements")
	fs.IntVar(&f.payloadType, "pt", sdp.DefaultPayloadType, "RTP payload type")
	fs.StringVar(&f.source, "source", "", "source address for an SSM source-filter")
	fs.Float64Var(&f.sapInterval, "sap-interval", 0, "fixed seconds between announcements (0 uses the configured bounds)")
	fs.StringSliceVar(&f.documents, "document", nil, "SDP file to announce (repeatable)")
}

// apply copies the flags the user set onto cfg.
func (f listenFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("expire-sec") {
		cfg.Listener.Expire = time.Duration(f.expireSec) * time.Second
	}
	if flags.Changed("output-dir") {
		cfg.Listener.OutputDir = f.outputDir
	}
	if flags.Changed("key-scope") {
		cfg.Listener.KeyScope = f.keyScope
	}
	if flags.Changed("sink") {
		cfg.Listener.Sink.Driver = f.sinkDriver
	}
	if flags.Changed("sink-path") {
		cfg.Listener.Sink.Path = f.sinkPath
	}
}

// apply copies the flags the user set onto cfg. --name and --document add
// sessions to those in the config file.
func (f announceFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	a := &cfg.Announcer

	if flags.Changed("sap-ttl") {
		a.MulticastTTL = f.sapTTL
	}
	if flags.Changed("sap-interval") && f.sapInterval > 0 {
		d := time.Duration(f.sapInterval * float64(time.Second))
		a.IntervalMin, a.IntervalMax = d, d
	}
	if f.name != "" {
		spec := config.SessionSpec{
			Name:   f.name,
			Group:  f.group,
			Port:   f.port,
			Source: f.source,
			TTL:    f.ttl,
		}
		if flags.Changed("pt") {
			pt := f.payloadType
			spec.PayloadType = &pt
		}
		a.Sessions = append(a.Sessions, spec)
	}
	for _, doc := range f.documents {
		a.Sessions = append(a.Sessions, config.SessionSpec{Document: doc})
	}
}

func runDaemon(ctx context.Context, cfg *config.Config, mode daemon.Mode) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d := daemon.New(cfg, daemon.Options{
		Mode:       mode,
		ConfigPath: configFile,
		PIDFile:    pidFile,
	})
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	return d.Run(ctx)
}
