// Poolheat runs the pool heater controller.
//
// It reads the one-wire water temperature sensor, drives the heater
// relay with an optional thermostat, and exposes the heater as a
// device shadow over MQTT (with Home Assistant discovery) or a raw
// WebSocket API. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	poolheat run                        Start the controller
//	poolheat init [dir]                 Write a default config.yaml
//	poolheat configure <ssid> [pass]    Store WiFi credentials
//	poolheat provision-reset            Forget stored WiFi credentials
//	poolheat version                    Print version and build information
//	poolheat -o json version            Output version information as JSON
//
// While running, SIGUSR1 restarts WiFi provisioning and SIGUSR2
// toggles offline mode.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/poolheat/internal/buildinfo"
	"github.com/nugget/poolheat/internal/config"
	"github.com/nugget/poolheat/internal/controller"
	"github.com/nugget/poolheat/internal/hal"
	"github.com/nugget/poolheat/internal/heater"
	"github.com/nugget/poolheat/internal/mqtt"
	"github.com/nugget/poolheat/internal/network"
	"github.com/nugget/poolheat/internal/network/host"
	"github.com/nugget/poolheat/internal/opstate"
	"github.com/nugget/poolheat/internal/sensor"
	"github.com/nugget/poolheat/internal/session"
	"github.com/nugget/poolheat/internal/wsapi"
)

const dbName = "poolheat.db"

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; args is
// os.Args[1:]. Arguments are parsed by hand to keep flag's package
// globals out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "run":
		return runController(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "configure":
		if len(cmdArgs) == 0 || len(cmdArgs) > 2 {
			return fmt.Errorf("usage: poolheat configure <ssid> [password]")
		}
		password := ""
		if len(cmdArgs) == 2 {
			password = cmdArgs[1]
		}
		return runConfigure(stdout, configPath, cmdArgs[0], password)
	case "provision-reset":
		return runProvisionReset(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "platform"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Poolheat - Pool Heater Controller")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: poolheat [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run                      Start the controller")
	fmt.Fprintln(w, "  init [dir]               Write a default config.yaml (default: .)")
	fmt.Fprintln(w, "  configure <ssid> [pass]  Store WiFi credentials")
	fmt.Fprintln(w, "  provision-reset          Forget stored WiFi credentials")
	fmt.Fprintln(w, "  version                  Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Signals (run):")
	fmt.Fprintln(w, "  SIGUSR1  restart WiFi provisioning")
	fmt.Fprintln(w, "  SIGUSR2  toggle offline mode")
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// openStore opens the operational state database under the data
// directory, creating the directory if needed.
func openStore(cfg *config.Config) (*opstate.Store, error) {
	if err := os.MkdirAll(cfg.Device.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.Device.DataDir, err)
	}
	dbPath := filepath.Join(cfg.Device.DataDir, dbName)
	store, err := opstate.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	return store, nil
}

// runConfigure stores WiFi credentials for the next start.
func runConfigure(w io.Writer, configPath, ssid, password string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetAll(opstate.NamespaceWiFi, map[string]string{
		network.KeySSID:     ssid,
		network.KeyPassword: password,
	}); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	fmt.Fprintf(w, "Stored credentials for %q. Restart poolheat to apply.\n", ssid)
	return nil
}

// runProvisionReset forgets stored WiFi credentials so the next start
// begins provisioning. A running controller resets on SIGUSR1 instead.
func runProvisionReset(w io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ssid, err := store.Get(opstate.NamespaceWiFi, network.KeySSID)
	if err != nil {
		return err
	}
	if ssid == "" {
		fmt.Fprintln(w, "No stored WiFi credentials.")
		return nil
	}
	stored, err := store.UpdatedAt(opstate.NamespaceWiFi, network.KeySSID)
	if err != nil {
		return err
	}

	for _, key := range []string{network.KeySSID, network.KeyPassword} {
		if err := store.Delete(opstate.NamespaceWiFi, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	fmt.Fprintf(w, "Removed credentials for %q (stored %s).\n", ssid, stored.Local().Format(time.DateTime))
	return nil
}

// newPin returns a sysfs GPIO for a non-zero pin number and a logging
// stand-in otherwise.
func newPin(cfg config.HardwareConfig, n int, name string, logger *slog.Logger) (hal.Pin, error) {
	if n == 0 {
		return hal.NewLogPin(name, logger), nil
	}
	pin, err := hal.NewSysfsPin(cfg.GPIORoot, n)
	if err != nil {
		return nil, fmt.Errorf("%s gpio %d: %w", name, n, err)
	}
	return pin, nil
}

// newSensor returns the w1 sensor when a device directory is set and
// the mock sensor otherwise.
func newSensor(cfg config.HardwareConfig, logger *slog.Logger) (sensor.Poller, error) {
	if cfg.SensorDevice == "" {
		logger.Warn("no sensor_device configured, using mock sensor", "value", cfg.MockValue)
		return sensor.NewMock(cfg.MockValue), nil
	}
	w1, err := sensor.NewW1(cfg.SensorDevice, logger)
	if err != nil {
		return nil, fmt.Errorf("open sensor %s: %w", cfg.SensorDevice, err)
	}
	return w1, nil
}

// newTransport builds the configured device-shadow transport.
func newTransport(ctx context.Context, cfg *config.Config, deviceID string, logger *slog.Logger) session.Transport {
	if cfg.Shadow.Transport == "websocket" {
		return wsapi.New(wsapi.OptionsFromConfig(cfg.WebSocket, logger.With("component", "wsapi")))
	}
	tr := mqtt.New(ctx, mqtt.Options{
		Shadow:     cfg.Shadow,
		DeviceName: cfg.Device.Name,
		InstanceID: deviceID,
		MinTarget:  cfg.Heater.MinTarget,
		MaxTarget:  cfg.Heater.MaxTarget,
		Logger:     logger.With("component", "mqtt"),
	})
	dev := tr.Device()
	logger.Info("mqtt device registered",
		"broker", cfg.Shadow.Broker,
		"identifiers", dev.Identifiers,
		"model", dev.Model,
		"sw_version", dev.SWVersion,
	)
	return tr
}

// runController wires the hardware, heater, session and network
// supervisor and runs the loop until ctx is cancelled or a shutdown
// signal arrives.
func runController(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting " + buildinfo.String())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already accepted the level, so the error is unreachable.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"transport", cfg.Shadow.Transport,
		"hostname", cfg.Device.Hostname,
		"offline", cfg.Device.Offline,
	)

	// Cancelled on SIGINT/SIGTERM; stops the loop and every background
	// goroutine started below.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Operational state ---
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	deviceID := cfg.Device.ID
	if deviceID == "" {
		deviceID, err = mqtt.LoadOrCreateInstanceID(store)
		if err != nil {
			return err
		}
	}
	logger.Info("device identity", "device_id", deviceID, "name", cfg.Device.Name)

	// --- Hardware ---
	relayPin, err := newPin(cfg.Hardware, cfg.Hardware.RelayGPIO, "relay", logger)
	if err != nil {
		return err
	}
	ledPin, err := newPin(cfg.Hardware, cfg.Hardware.LEDGPIO, "led", logger)
	if err != nil {
		return err
	}
	relay := hal.NewRelay(relayPin, cfg.Hardware.RelayActiveLow, logger)
	led := hal.NewLED(ledPin)
	// Never leave the heater energized behind us.
	defer relay.Set(false)

	poller, err := newSensor(cfg.Hardware, logger.With("component", "sensor"))
	if err != nil {
		return err
	}

	// --- Heater ---
	h := heater.New(heater.Config{
		Relay:             relay,
		Store:             store,
		MinTarget:         cfg.Heater.MinTarget,
		MaxTarget:         cfg.Heater.MaxTarget,
		DefaultTarget:     cfg.Heater.DefaultTarget,
		DefaultHysteresis: cfg.Heater.DefaultHysteresis,
		FaultThreshold:    cfg.Heater.FaultThreshold,
		ReportTemperature: cfg.Shadow.EmitTemperature,
		Logger:            logger.With("component", "heater"),
	})
	if err := h.Restore(); err != nil {
		logger.Warn("restore heater state failed, using defaults", "error", err)
	}

	prov := host.NewProvisioner(cfg.WiFi.Interface, logger.With("component", "network"))

	// --- Device shadow session ---
	if cfg.Shadow.Transport == "mqtt" && !cfg.Shadow.Configured() {
		logger.Warn("shadow app_key/app_secret not set, broker may refuse the session")
	}
	sess := session.New(session.Config{
		Transport: newTransport(ctx, cfg, deviceID, logger),
		Credentials: session.Credentials{
			AppKey:    cfg.Shadow.AppKey,
			AppSecret: cfg.Shadow.AppSecret,
			DeviceID:  deviceID,
		},
		Apply:     h.Apply,
		OnOpen:    h.PushState,
		LinkUp:    func() bool { return prov.LinkStatus() == network.LinkUp },
		Indicator: led,
		Logger:    logger.With("component", "session"),
	})
	h.Attach(sess)
	defer sess.Stop()

	// --- Network ---
	adv := host.NewAdvertiser(cfg.MDNS.Service, cfg.MDNS.Port, logger.With("component", "mdns"))
	defer adv.Shutdown()
	clock := host.NewClock(ctx, cfg.NTP.Servers, logger.With("component", "ntp"))
	defer clock.Stop()

	sup := network.New(network.Config{
		Provisioner: prov,
		Session:     sess,
		Indicator:   led,
		Advertiser:  adv,
		Clock:       clock,
		Store:       store,
		Hostname:    cfg.Device.Hostname,
		APSSID:      cfg.WiFi.APSSID,
		UTCOffset:   cfg.UTCOffset(),
		SSID:        cfg.WiFi.SSID,
		Password:    cfg.WiFi.Password,
		Offline:     cfg.Device.Offline,
		Logger:      logger.With("component", "network"),
	})
	sup.Start()

	ctrl := controller.New(controller.Config{
		Supervisor:      sup,
		Session:         sess,
		Sensor:          poller,
		App:             h,
		Reporter:        sess,
		EmitTemperature: cfg.Shadow.EmitTemperature,
		Logger:          logger.With("component", "controller"),
	})

	commands := make(chan controller.Command, 4)
	go signalCommands(ctx, commands, logger)

	logger.Info("controller running", "tick", cfg.Tick())
	err = ctrl.Run(ctx, cfg.Tick(), commands)

	reading, haveReading := h.LastReading()
	logger.Info("shutting down",
		"uptime", buildinfo.Uptime().Round(time.Second),
		"state", sup.State().String(),
		"connected", sup.Connected(),
		"hostname", prov.Hostname(),
		"access_point", prov.AccessPoint(),
		"relay_on", h.RelayOn(),
		"have_reading", haveReading,
		"last_reading", reading,
		"clock_synced", clock.Synced(),
		"clock_error", clock.LastError(),
		"local_time", clock.Now().Format(time.RFC3339),
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// signalCommands turns SIGUSR1 into a provisioning reset and SIGUSR2
// into an offline toggle until ctx is done. The controller resolves the
// toggle against the supervisor's current mode.
func signalCommands(ctx context.Context, commands chan<- controller.Command, logger *slog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			cmd, ok := signalCommand(sig)
			if !ok {
				continue
			}
			logger.Info("signal received", "signal", sig.String(), "command", cmd.Kind)
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}
}

// signalCommand maps an operator signal to a controller command.
func signalCommand(sig os.Signal) (controller.Command, bool) {
	switch sig {
	case syscall.SIGUSR1:
		return controller.Command{Kind: "provision-reset"}, true
	case syscall.SIGUSR2:
		return controller.Command{Kind: "toggle-offline"}, true
	}
	return controller.Command{}, false
}
