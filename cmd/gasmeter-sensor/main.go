// Command gasmeter-sensor samples a magnetic sensor on a gas meter dial,
// debounces the readings and publishes confirmed transitions to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/gasmeter-sensor/internal/config"
	"github.com/sweeney/gasmeter-sensor/internal/gpio"
	"github.com/sweeney/gasmeter-sensor/internal/journal"
	"github.com/sweeney/gasmeter-sensor/internal/logging"
	"github.com/sweeney/gasmeter-sensor/internal/logic"
	"github.com/sweeney/gasmeter-sensor/internal/metrics"
	"github.com/sweeney/gasmeter-sensor/internal/mqtt"
	"github.com/sweeney/gasmeter-sensor/internal/retry"
	"github.com/sweeney/gasmeter-sensor/internal/status"
	"github.com/sweeney/gasmeter-sensor/internal/web"
)

const (
	clockCheckInterval = time.Second
	shutdownTimeout    = 5 * time.Second
)

func main() {
	printState := flag.Bool("print-state", false, "Print the current sensor level and exit")

	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	if err := exitErr(run(cfg, *printState)); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// exitErr maps the result of run to the process outcome. A signal during
// startup cancels the clock wait or broker connect; that is a clean exit.
func exitErr(err error) error {
	if errors.Is(err, context.Canceled) {
		slog.Info("interrupted during startup", "error", err)
		return nil
	}
	return err
}

func run(cfg *config.Config, printState bool) error {
	clock := clockwork.NewRealClock()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	bias, err := gpio.ParseBias(cfg.GPIOBias)
	if err != nil {
		return err
	}

	// Initialize GPIO
	reader, err := gpio.NewRealReader(cfg.GPIOChip, cfg.GPIOPin, bias, cfg.GPIOActiveLow)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer reader.Close()

	// Print state mode
	if printState {
		level, err := reader.Read()
		if err != nil {
			return fmt.Errorf("read gpio: %w", err)
		}
		fmt.Printf("%s/%d: %s\n", cfg.GPIOChip, cfg.GPIOPin, level)
		return nil
	}

	// sigCh is registered before startup so a signal arriving after the
	// broker connect still reaches the loop and produces SHUTDOWN.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Signals during startup abort the clock wait and the broker connect.
	startCtx, stopStart := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopStart()

	if err := waitForClock(startCtx, clock, cfg.MinClockYear); err != nil {
		return fmt.Errorf("wait for clock: %w", err)
	}

	tracker := status.NewTracker(clock, clock.Now(), status.Config{
		PollMs:      cfg.PollInterval.Milliseconds(),
		HighCeiling: cfg.HighCeiling,
		LowCeiling:  cfg.LowCeiling,
		HeartbeatMs: cfg.HeartbeatInterval.Milliseconds(),
		Broker:      cfg.MQTTBroker,
		Identifier:  cfg.MQTTIdentifier,
		HTTPAddr:    cfg.HTTPAddr,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	var indicator gpio.Indicator
	if cfg.IndicatorEnabled() {
		ind, err := gpio.NewRealIndicator(cfg.GPIOChip, cfg.IndicatorPin)
		if err != nil {
			return fmt.Errorf("init indicator: %w", err)
		}
		defer ind.Close()
		indicator = ind
	}

	var store *journal.Store
	if cfg.JournalPath != "" {
		store, err = journal.Open(startCtx, cfg.JournalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		syncJournalCounts(startCtx, store, tracker)
	}

	// Initialize MQTT
	opts := cfg.PublisherOptions(loc)
	opts.Clock = clock
	if indicator != nil {
		opts.OnCommand = commandHandler(indicator, tracker)
	}
	publisher, err := mqtt.NewRealPublisher(startCtx, opts)
	if err != nil {
		return err
	}
	defer publisher.Close()
	tracker.SetMQTTConnected(publisher.IsConnected())
	metrics.SetMQTTConnected(publisher.IsConnected())

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		slog.Error("failed to publish startup event", "error", err)
	} else {
		slog.Info("published startup event")
	}

	stopStart()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Start HTTP status server
	if cfg.HTTPAddr != "" {
		srv := web.New(cfg.HTTPAddr, tracker, store)
		g.Go(func() error {
			slog.Info("http status server listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("started",
		"poll", cfg.PollInterval,
		"high_ceiling", cfg.HighCeiling,
		"low_ceiling", cfg.LowCeiling,
		"broker", cfg.MQTTBroker,
		"identifier", cfg.MQTTIdentifier,
		"heartbeat", cfg.HeartbeatInterval)

	ticker := clock.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	l := &loop{
		reader:     reader,
		publisher:  publisher,
		mqttStatus: publisher,
		tracker:    tracker,
		journal:    store,
		clock:      clock,
		debounce:   cfg.Debounce(),
		heartbeat:  cfg.HeartbeatInterval,
	}
	g.Go(func() error {
		defer cancel()
		return l.run(gctx, ticker.Chan(), sigCh)
	})

	return g.Wait()
}

// loop is the sampling loop and its collaborators.
type loop struct {
	reader     gpio.Reader
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	journal    *journal.Store
	clock      clockwork.Clock
	debounce   logic.Config
	heartbeat  time.Duration
}

// run reads one sample per tick until a signal arrives or ctx ends.
// A signal publishes SHUTDOWN and returns nil.
func (l *loop) run(ctx context.Context, tick <-chan time.Time, sig <-chan os.Signal) error {
	debouncer := logic.NewDebouncer(l.debounce, l.clock.Now())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s := <-sig:
			slog.Info("shutting down", "signal", s)
			l.publishShutdown(signalName(s))
			return nil

		case t := <-tick:
			l.sample(ctx, debouncer, t)
			l.observeConnection()

			// A failing sensor still heartbeats so the failure is visible.
			if hb := debouncer.CheckHeartbeat(t, l.heartbeat); hb != nil {
				l.publishHeartbeat(hb)
			}
		}
	}
}

// sample reads the sensor once and feeds the debouncer. A failed read is
// counted and skipped; it does not advance the automaton.
func (l *loop) sample(ctx context.Context, debouncer *logic.Debouncer, t time.Time) {
	level, err := l.reader.Read()
	if err != nil {
		slog.Warn("gpio read error", "error", err)
		metrics.GPIOReadErrors.Inc()
		if l.tracker != nil {
			l.tracker.RecordReadError()
		}
		return
	}

	event := debouncer.Tick(level, t)
	st := debouncer.State()
	metrics.ObserveSample(level, st)
	slog.Debug("sample", "level", level, "high_count", st.HighCount, "low_count", st.LowCount)

	if event != nil {
		l.handleEvent(ctx, *event)
	}

	// Update status tracker for HTTP consumers
	if l.tracker != nil {
		l.tracker.Update(level, st, debouncer.EventCountsSnapshot())
	}
}

// observeConnection mirrors the broker link and its offline backlog into
// metrics and the status tracker.
func (l *loop) observeConnection() {
	if l.mqttStatus == nil {
		return
	}
	connected := l.mqttStatus.IsConnected()
	buffered := l.mqttStatus.Buffered()
	metrics.SetMQTTConnected(connected)
	metrics.SetMQTTBuffered(buffered)
	if l.tracker != nil {
		l.tracker.SetMQTTConnected(connected)
		l.tracker.SetMQTTBuffered(buffered)
	}
}

func (l *loop) handleEvent(ctx context.Context, event logic.Event) {
	slog.Info("event", "direction", event.Direction, "at", event.Timestamp)
	metrics.ObserveEvent(event)

	published := true
	if err := l.publisher.Publish(event); err != nil {
		// Don't crash on publish failure
		published = false
		metrics.PublishErrors.Inc()
		slog.Error("publish error", "direction", event.Direction, "error", err)
	}

	if _, err := l.journal.Record(ctx, event, published); err != nil {
		slog.Error("journal error", "error", err)
	} else if l.journal != nil && l.tracker != nil {
		syncJournalCounts(ctx, l.journal, l.tracker)
	}
	if l.tracker != nil {
		l.tracker.RecordEvent(event)
	}
}

// syncJournalCounts copies the journal's all-time totals into the tracker.
func syncJournalCounts(ctx context.Context, store *journal.Store, tracker *status.Tracker) {
	counts, err := store.Counts(ctx)
	if err != nil {
		slog.Warn("journal counts unavailable", "error", err)
		return
	}
	tracker.SetJournalCounts(counts)
}

func (l *loop) publishHeartbeat(hb *logic.HeartbeatData) {
	slog.Info("heartbeat", "uptime", hb.Uptime, "high", hb.Counts.High, "low", hb.Counts.Low)

	event := mqtt.SystemEvent{
		Timestamp: hb.Timestamp,
		Event:     "HEARTBEAT",
	}
	if l.tracker != nil {
		// Refresh network info for heartbeat
		if net := readNetworkInfo(); net != nil {
			l.tracker.SetNetwork(net)
		}
		event.RawPayload = status.FormatStatusEvent(l.tracker.Snapshot(), "HEARTBEAT", "")
	}
	if err := l.publisher.PublishSystem(event); err != nil {
		slog.Error("heartbeat publish error", "error", err)
	}
}

func (l *loop) publishShutdown(reason string) {
	event := mqtt.SystemEvent{
		Timestamp: l.clock.Now(),
		Event:     "SHUTDOWN",
		Reason:    reason,
		Retained:  true,
	}
	if l.tracker != nil {
		l.observeConnection()
		event.RawPayload = status.FormatStatusEvent(l.tracker.Snapshot(), "SHUTDOWN", reason)
	}
	if err := l.publisher.PublishSystem(event); err != nil {
		slog.Error("failed to publish shutdown event", "error", err)
	} else {
		slog.Info("published shutdown event")
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// waitForClock blocks until the wall clock reads minYear or later, so the
// first published timestamps are not from 1970. minYear <= 0 skips the check.
func waitForClock(ctx context.Context, clock clockwork.Clock, minYear int) error {
	if minYear <= 0 {
		return nil
	}
	policy := retry.Policy{
		Backoff: clockCheckInterval,
		OnRetry: func(attempt int, err error, _ time.Duration) {
			if attempt == 1 {
				slog.Warn("waiting for clock sync", "error", err)
			}
		},
	}
	return retry.Do(ctx, clock, policy, func(context.Context) error {
		if y := clock.Now().Year(); y < minYear {
			return fmt.Errorf("clock reads year %d, want >= %d", y, minYear)
		}
		return nil
	})
}

// commandHandler drives the indicator from output-topic commands.
func commandHandler(indicator gpio.Indicator, tracker *status.Tracker) func(on bool) {
	return func(on bool) {
		if err := indicator.Set(on); err != nil {
			slog.Error("indicator error", "on", on, "error", err)
			return
		}
		tracker.SetIndicator(on)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
