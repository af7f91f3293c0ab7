package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/crewrelay/teamsbot/bridge"
	"github.com/crewrelay/teamsbot/bridge/matrix"
	"github.com/crewrelay/teamsbot/config"
	"github.com/crewrelay/teamsbot/pkg/telemetry"
	"github.com/crewrelay/teamsbot/relay"
	"github.com/crewrelay/teamsbot/store"
)

var (
	version = "0.1.0-dev"
	githash string
	logger  *logrus.Entry
)

func main() {
	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "main"})
	relay.SetLogger(ourlog.WithFields(logrus.Fields{"prefix": "relay"}))
	store.SetLogger(ourlog.WithFields(logrus.Fields{"prefix": "store"}))
	config.Logger = ourlog.WithFields(logrus.Fields{"prefix": "config"})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warnf("failed to load .env: %s", err)
	}

	flagConfig := flag.String("conf", "", "config file (toml, yaml or json)")
	flagDebug := flag.Bool("debug", false, "enable debug logging")
	flagTrace := flag.Bool("trace", false, "enable trace logging")
	flagVersion := flag.Bool("version", false, "show version")
	flagGops := flag.Bool("gops", false, "enable gops agent")
	flagSetupCrew := flag.String("setup-crew", "", "create a new crew group with this admin address and exit")
	flag.Parse()

	if *flagVersion {
		fmt.Printf("version: %s %s\n", version, githash)
		return
	}

	v, err := config.LoadConfig(*flagConfig)
	if err != nil {
		logger.Fatal(err)
	}

	if *flagDebug {
		v.Set("debug", true)
	}

	if *flagTrace {
		v.Set("trace", true)
	}

	cfg, err := config.Parse(v)
	if err != nil {
		logger.Fatal(err)
	}

	if cfg.Debug {
		logger.Info("enabling debug")
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if cfg.Trace {
		logger.Info("enabling trace")
		ourlog.SetLevel(logrus.TraceLevel)
	}

	if *flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			logger.Error(err)
		}
		defer agent.Close()
	}

	logger.Infof("teamsbot %s %s starting", version, githash)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, v, *flagSetupCrew); err != nil {
		logger.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config, v *viper.Viper, setupAdmin string) error {
	kv, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer kv.Close()

	events := make(chan *bridge.Event, 100)

	m, err := matrix.New(v, kv, events)
	if err != nil {
		return err
	}
	defer m.Close()

	go m.Run(ctx)

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg)
	}

	monitor := relay.NewMonitor()

	if setupAdmin != "" {
		return setupCrew(ctx, m, kv, monitor, events, setupAdmin, cfg.Setup.Timeout)
	}

	bot, err := relay.New(m, kv, monitor)
	if errors.Is(err, relay.ErrNoCrew) {
		return fmt.Errorf("%w, run with --setup-crew <your address> first", err)
	}
	if err != nil {
		return err
	}

	logger.Infof("relaying for crew %s with %d workers", bot.CrewID(), cfg.Relay.Workers)

	bot.Run(ctx, events, cfg.Relay.Workers)

	logger.Info("shutting down")

	return nil
}

// setupCrew drains events while the crew is created; nothing is relayed
// until the next start.
func setupCrew(ctx context.Context, tr bridge.Transport, kv store.KV, monitor *relay.Monitor, events <-chan *bridge.Event, admin string, timeout time.Duration) error {
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		(&relay.Loop{Monitor: monitor}).Run(loopCtx, events)
	}()

	defer func() {
		cancel()
		<-done
	}()

	crewID, err := relay.SetupCrew(tr, kv, monitor, admin, timeout)
	if err != nil {
		return err
	}

	logger.Infof("crew %s is set up, restart without --setup-crew to start relaying", crewID)

	return nil
}

func serveMetrics(ctx context.Context, cfg *config.Config) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())

	srv := &http.Server{
		Addr:              cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	var err error

	if cfg.Metrics.TLSCert != "" {
		kpr, kerr := newKeypairReloader(ctx, cfg.Metrics.TLSCert, cfg.Metrics.TLSKey)
		if kerr != nil {
			logger.Errorf("metrics: %s", kerr)
			return
		}

		srv.TLSConfig = kpr.tlsConfig()
		logger.Infof("serving metrics on https://%s/metrics", cfg.Metrics.Listen)
		err = srv.ListenAndServeTLS("", "")
	} else {
		logger.Infof("serving metrics on http://%s/metrics", cfg.Metrics.Listen)
		err = srv.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("metrics: %s", err)
	}
}
