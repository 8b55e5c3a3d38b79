// livesite is a headless client for a livesite authority. It fetches
// resources through the gateway and cache, and with --watch stays
// connected to the coordination channel, printing connection banners,
// presence, lock changes and notifications as they arrive.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/huykn/livesite"
	"github.com/huykn/livesite/logging"
	"github.com/huykn/livesite/metrics"
	"github.com/huykn/livesite/notify"
	"github.com/huykn/livesite/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		baseURL     string
		channelURL  string
		transport   string
		token       string
		gets        []string
		metricsAddr string
		watch       bool
		debug       bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("livesite", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flagSet.StringVar(&baseURL, "base-url", "", "request endpoint of the authority")
	flagSet.StringVar(&channelURL, "channel-url", "", "websocket endpoint of the coordination channel")
	flagSet.StringVar(&transport, "transport", "", "channel transport: websocket, redis or none")
	flagSet.StringVar(&token, "token", "", "bearer token")
	flagSet.StringArrayVarP(&gets, "get", "g", nil, "resource to fetch (repeatable)")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.BoolVarP(&watch, "watch", "w", false, "stay connected and print channel events")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		info := livesite.GetVersionInfo()
		fmt.Printf("livesite %s (%s)\n", info.Version, info.GoVersion)
		return nil
	}

	cfg := livesite.DefaultConfig()
	if configPath != "" {
		loaded, err := livesite.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if channelURL != "" {
		cfg.Channel.URL = channelURL
	}
	if transport != "" {
		cfg.Channel.Transport = transport
	}
	if token != "" {
		cfg.AuthToken = token
	}
	if debug {
		cfg.DebugMode = true
		cfg.Log.Level = "debug"
	}
	if !watch {
		cfg.Channel.Transport = livesite.TransportNone
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	if zl, ok := logger.(*logging.ZapLogger); ok {
		defer zl.Sync()
	}
	cfg.Logger = logger
	// A terminal has no page focus, so every notification also goes to
	// the native notifier.
	cfg.Native = notify.NewLogNotifier(logger)
	cfg.Focus = notify.FocusFunc(func() bool { return false })

	platform, err := livesite.New(cfg)
	if err != nil {
		return err
	}
	defer platform.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	if err := platform.Start(ctx); err != nil {
		return err
	}
	logger.Info("livesite started", "client", platform.ClientID(), "mode", platform.Mode(), "connected_before", platform.ConnectedBefore())

	unauthorized, cancelUnauthorized := platform.Unauthorized()
	defer cancelUnauthorized()
	go func() {
		for ev := range unauthorized {
			logger.Warn("authority refused credentials", "resource", ev.Resource, "status", ev.Status)
		}
	}()

	for _, resource := range gets {
		data, err := platform.Fetch(ctx, resource, 0)
		if err != nil {
			logger.Error("fetch failed", "resource", resource, "error", err)
			continue
		}
		fmt.Printf("%s\n%s\n", resource, data)
	}

	if !watch {
		return nil
	}
	return tail(ctx, platform)
}

// tail prints channel events until ctx is done.
func tail(ctx context.Context, platform *livesite.Platform) error {
	ch := platform.Channel()
	if ch == nil {
		return livesite.ErrNoChannel
	}

	directives, cancelDirectives := platform.Presenter().Subscribe()
	defer cancelDirectives()
	presence, cancelPresence := ch.SubscribePresence()
	defer cancelPresence()
	locks, cancelLocks := ch.SubscribeLocks()
	defer cancelLocks()
	displays, cancelDisplays := platform.Notifications().Subscribe()
	defer cancelDisplays()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-directives:
			fmt.Printf("banner: %s (state %s)\n", d, ch.State())
		case n := <-presence:
			fmt.Printf("online: %d\n", n)
		case snapshot := <-locks:
			printLocks(snapshot)
		case d := <-displays:
			if d.Visible {
				printNotification(d.Event)
			}
		}
	}
}

func printLocks(snapshot map[string]types.SectionLock) {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Printf("locks: %d\n", len(ids))
	for _, id := range ids {
		l := snapshot[id]
		fmt.Printf("  %s held by %s since %s\n", id, l.HolderName, l.AcquiredAt.Format(time.RFC3339))
	}
}

func printNotification(ev types.NotificationEvent) {
	if ev.Kind == types.KindCodeAlert && ev.Payload != nil {
		fmt.Printf("alert: %s -> %s\n", ev.Message, ev.Payload.ResourceID)
		return
	}
	fmt.Printf("notice: %s\n", ev.Message)
}

func newLogger(cfg livesite.LogConfig) (livesite.Logger, error) {
	if cfg.Output == livesite.LogConsole {
		return logging.NewConsoleLogger("livesite"), nil
	}
	format := cfg.Format
	if cfg.Output != livesite.LogZap {
		format = "console"
	}
	return logging.NewZapLogger(cfg.Level, format)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
