// Package daemon wires the SAP listener, reaper and announcer into one
// process and manages its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/sap/internal/announcer"
	"firestige.xyz/sap/internal/config"
	"firestige.xyz/sap/internal/listener"
	"firestige.xyz/sap/internal/log"
	"firestige.xyz/sap/internal/metrics"
	"firestige.xyz/sap/internal/reaper"
	"firestige.xyz/sap/internal/session"
	"firestige.xyz/sap/internal/sink"
)

// Mode selects which sides of the protocol run.
type Mode int

const (
	ModeListen Mode = 1 << iota
	ModeAnnounce
	ModeBoth = ModeListen | ModeAnnounce
)

func (m Mode) String() string {
	switch m {
	case ModeListen:
		return "listen"
	case ModeAnnounce:
		return "announce"
	case ModeBoth:
		return "listen+announce"
	default:
		return "none"
	}
}

// Options configures a Daemon.
type Options struct {
	Mode Mode
	// ConfigPath is re-read on SIGHUP. Empty means defaults plus environment.
	ConfigPath string
	PIDFile    string
}

// Daemon owns every long-running component.
type Daemon struct {
	config *config.Config
	opts   Options
	log    log.Logger

	sink          sink.Sink
	store         *session.Store
	reaper        *reaper.Reaper
	listener      *listener.Listener
	announcer     *announcer.Announcer
	transport     announcer.Transport
	metricsServer *metrics.Server
}

// New creates a Daemon for an already loaded configuration.
func New(cfg *config.Config, opts Options) *Daemon {
	if opts.Mode == 0 {
		opts.Mode = ModeBoth
	}
	return &Daemon{config: cfg, opts: opts, log: log.GetLogger()}
}

// Start initialises logging and opens every resource the selected mode needs.
// Socket failures are returned so the process exits non-zero.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	d.log.WithFields(map[string]interface{}{
		"mode":     d.opts.Mode.String(),
		"hostname": config.Hostname(),
		"config":   d.opts.ConfigPath,
	}).Info("starting sapd")

	if err := d.writePIDFile(); err != nil {
		return err
	}

	if err := d.startMetrics(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if d.opts.Mode&ModeListen != 0 {
		if err := d.startListener(ctx); err != nil {
			d.Stop()
			return err
		}
	}
	if d.opts.Mode&ModeAnnounce != 0 {
		if err := d.startAnnouncer(); err != nil {
			d.Stop()
			return err
		}
	}

	d.log.Info("sapd started")
	return nil
}

func (d *Daemon) startListener(ctx context.Context) error {
	lc := d.config.Listener

	scope, err := session.ParseScope(lc.KeyScope)
	if err != nil {
		return err
	}
	s, err := sink.Open(lc)
	if err != nil {
		return fmt.Errorf("failed to open sink: %w", err)
	}
	d.sink = s

	d.store = session.NewStore(s, session.Options{
		Scope:     scope,
		Extension: lc.Sink.Extension,
		Logger:    d.log,
	})
	d.reaper = reaper.New(d.store, lc.Expire, lc.SweepInterval, reaper.WithLogger(d.log))

	l, err := listener.Open(ctx, listener.Options{
		Group:     lc.Group,
		Port:      lc.Port,
		Interface: lc.Interface,
	}, listener.NewDispatcher(d.store, d.log), d.log)
	if err != nil {
		return err
	}
	d.listener = l
	return nil
}

func (d *Daemon) startAnnouncer() error {
	ac := d.config.Announcer

	sessions, err := announcer.SessionsFromConfig(ac.Sessions, ac.OriginAddress)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return fmt.Errorf("%w: no sessions configured", announcer.ErrDocument)
	}

	t, err := announcer.NewMulticastTransport(announcer.TransportOptions{
		Group:     ac.Group,
		Port:      ac.Port,
		Interface: ac.Interface,
		TTL:       ac.MulticastTTL,
		Loopback:  d.opts.Mode&ModeListen != 0,
	})
	if err != nil {
		return err
	}
	d.transport = t

	d.announcer = announcer.New(t, sessions, announcer.Options{
		Origin:        ac.OriginAddress,
		BurstCount:    ac.BurstCount,
		BurstInterval: ac.BurstInterval,
		IntervalMin:   ac.IntervalMin,
		IntervalMax:   ac.IntervalMax,
	}, announcer.WithLogger(d.log))
	return nil
}

// Run blocks until ctx is cancelled, SIGINT or SIGTERM arrives, or a component
// fails. SIGHUP reloads the configuration. Resources are released on return.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.Stop()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	if d.listener != nil {
		g.Go(func() error { return d.listener.Run(gctx) })
		g.Go(func() error { return d.reaper.Run(gctx) })
	}
	if d.announcer != nil {
		g.Go(func() error { return d.announcer.Run(gctx) })
		if d.config.Announcer.Watch {
			g.Go(func() error { return d.announcer.Watch(gctx) })
		}
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := d.Reload(); err != nil {
					d.log.WithError(err).Error("failed to reload config")
				}
			}
		}
	})

	if _, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		d.log.WithError(err).Debug("sd_notify ready failed")
	}
	d.log.Info("sapd running, waiting for signals")

	err := g.Wait()
	if _, nerr := sd.SdNotify(false, sd.SdNotifyStopping); nerr != nil {
		d.log.WithError(nerr).Debug("sd_notify stopping failed")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop releases every resource. It is safe to call more than once.
func (d *Daemon) Stop() {
	if d.listener != nil {
		if err := d.listener.Close(); err != nil {
			d.log.WithError(err).Warn("error closing listener")
		}
		d.listener = nil
	}
	if d.transport != nil {
		if err := d.transport.Close(); err != nil {
			d.log.WithError(err).Warn("error closing announce socket")
		}
		d.transport = nil
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			d.log.WithError(err).Warn("error closing sink")
		}
		d.sink = nil
	}
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			d.log.WithError(err).Warn("error stopping metrics server")
		}
		cancel()
		d.metricsServer = nil
	}
	if err := d.removePIDFile(); err != nil {
		d.log.WithError(err).Warn("error removing PID file")
	}
}

// Reload re-reads the configuration file. Only logging is applied in place;
// other changed sections are reported as requiring a restart.
func (d *Daemon) Reload() error {
	d.log.WithField("path", d.opts.ConfigPath).Info("reloading configuration")

	next, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	var restart []string
	if next.Listener.Group != d.config.Listener.Group || next.Listener.Port != d.config.Listener.Port {
		restart = append(restart, "listener.group")
	}
	if next.Listener.Expire != d.config.Listener.Expire || next.Listener.SweepInterval != d.config.Listener.SweepInterval {
		restart = append(restart, "listener.expire")
	}
	if next.Metrics != d.config.Metrics {
		restart = append(restart, "metrics")
	}
	if len(next.Announcer.Sessions) != len(d.config.Announcer.Sessions) {
		restart = append(restart, "announcer.sessions")
	}

	d.config.Log = next.Log
	if err := d.initLogging(); err != nil {
		return err
	}

	d.log.WithFields(map[string]interface{}{
		"hot_reloaded":     "log",
		"requires_restart": restart,
	}).Info("configuration reloaded")
	return nil
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.Config { return d.config }

// Store returns the session directory, nil when not listening.
func (d *Daemon) Store() *session.Store { return d.store }

// ListenAddr returns the SAP socket address, nil when not listening.
func (d *Daemon) ListenAddr() net.Addr {
	if d.listener == nil {
		return nil
	}
	return d.listener.LocalAddr()
}

// MetricsAddr returns the bound metrics address, empty when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

func (d *Daemon) initLogging() error {
	if err := log.Init(d.config.Log); err != nil {
		return err
	}
	d.log = log.GetLogger()
	d.log.WithFields(map[string]interface{}{
		"level":  d.config.Log.Level,
		"format": d.config.Log.Format,
	}).Debug("logging initialized")
	return nil
}

func (d *Daemon) startMetrics(ctx context.Context) error {
	if !d.config.Metrics.Enabled {
		d.log.Debug("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(ctx)
}

func (d *Daemon) writePIDFile() error {
	if d.opts.PIDFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.opts.PIDFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.opts.PIDFile, err)
	}
	d.log.WithField("path", d.opts.PIDFile).Debug("PID file written")
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.opts.PIDFile == "" {
		return nil
	}
	if err := os.Remove(d.opts.PIDFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.opts.PIDFile, err)
	}
	return nil
}
