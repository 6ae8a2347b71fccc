// Command toytrack provisions PINME RFID readers over BLE and uploads toy
// photos to the backend.
//
// Usage:
//
//	toytrack [--config FILE] [--simulate] <command> [options]
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"

	"github.com/chaz8081/toytrack/internal/backend"
	"github.com/chaz8081/toytrack/internal/ble"
	"github.com/chaz8081/toytrack/internal/config"
	"github.com/chaz8081/toytrack/internal/devicesim"
)

type globalOptions struct {
	Config   string `short:"c" long:"config" description:"path to config file (default: ~/.config/toytrack/config.yaml)"`
	LogLevel string `long:"log-level" description:"override log_level from the config (debug, info, warn, error)"`
	Simulate bool   `long:"simulate" description:"talk to a simulated reader instead of the Bluetooth adapter"`
}

var opts globalOptions

// app is set up once the command line is parsed, before a command runs.
var app *application

type application struct {
	cfg     *config.Config
	adapter ble.Adapter
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}
		if _, ok := cmd.(*initCommand); !ok {
			a, err := newApplication()
			if err != nil {
				return err
			}
			app = a
		}
		return cmd.Execute(args)
	}

	addCommands(parser)

	if _, err := parser.Parse(); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		// flags.Default prints the error, including command errors.
		os.Exit(1)
	}
}

func newApplication() (*application, error) {
	cfg, err := config.LoadOrDefault(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	a := &application{cfg: cfg}
	if opts.Simulate {
		a.adapter = simulatedAdapter()
		log.Println("Using simulated reader")
	} else {
		a.adapter = ble.NewTinyGoAdapter()
	}
	return a, nil
}

// simulatedAdapter returns an adapter in range of one reader that knows
// two networks: "home" (password "s3cret") and the open "guest".
func simulatedAdapter() ble.Adapter {
	r := devicesim.NewReader("ESP32_A1B2C3", "24:0A:C4:A1:B2:C3",
		devicesim.Network{SSID: "home", Password: "s3cret", RSSI: -48},
		devicesim.Network{SSID: "guest", RSSI: -72},
	)
	r.CompactList = true
	return devicesim.NewAdapter(r)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// backendClient returns a client for the configured backend, or nil when
// no backend URL is configured.
func (a *application) backendClient() (*backend.Client, error) {
	if a.cfg.Backend.URL == "" {
		return nil, nil
	}
	return backend.NewClient(backend.Options{
		URL:         a.cfg.Backend.URL,
		AnonKey:     a.cfg.Backend.AnonKey,
		AccessToken: a.cfg.Backend.AccessToken,
		Timeout:     a.cfg.Backend.RequestTimeout,
	})
}

// requireBackend is backendClient for commands that cannot run without one.
func (a *application) requireBackend() (*backend.Client, error) {
	c, err := a.backendClient()
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: set backend.url or %s", backend.ErrNotConfigured, config.EnvURL)
	}
	return c, nil
}

func (a *application) linkOptions() ble.LinkOptions {
	o := ble.DefaultLinkOptions()
	o.InterFrameDelay = a.cfg.BLE.InterFrameDelay
	o.ConnectAttempts = a.cfg.BLE.ConnectAttempts
	return o
}

// printBanner displays the configuration summary for a provisioning run.
func printBanner(cfg *config.Config, mac, deviceID string) {
	backendURL := cfg.Backend.URL
	if backendURL == "" {
		backendURL = "(none)"
	}
	fmt.Println("=== toytrack ===")
	fmt.Printf("  Reader:   %s (%s)\n", deviceID, mac)
	fmt.Printf("  Backend:  %s\n", backendURL)
	fmt.Printf("  Wi-Fi:    timeout %s, busy retries %d, ap-not-found %s\n",
		cfg.Provision.WifiTimeout, cfg.Provision.BusyMaxRetries, cfg.Provision.APNotFound)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("================")
}
