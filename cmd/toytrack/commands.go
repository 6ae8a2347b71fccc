package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/chaz8081/toytrack/internal/backend"
	"github.com/chaz8081/toytrack/internal/ble"
	"github.com/chaz8081/toytrack/internal/ble/protocol"
	"github.com/chaz8081/toytrack/internal/cabundle"
	"github.com/chaz8081/toytrack/internal/config"
	"github.com/chaz8081/toytrack/internal/provision"
	"github.com/chaz8081/toytrack/internal/upload"
)

var errNoReaders = errors.New("no PINME readers found nearby")

func addCommands(p *flags.Parser) {
	cmds := []struct {
		name, short, long string
		data              any
	}{
		{"init", "Write the default config file", "Writes ~/.config/toytrack/config.yaml unless it already exists.", &initCommand{}},
		{"scan", "List nearby readers", "Scans for PINME readers and lists them, strongest signal first.", &scanCommand{}},
		{"wifi-list", "List networks the reader can see", "Asks a reader to scan for Wi-Fi networks.", &wifiListCommand{}},
		{"provision", "Join a reader to Wi-Fi", "Sends Wi-Fi credentials, then the backend config and a device token.", &provisionCommand{}},
		{"heartbeat", "Ask a reader to check in", "Sends HEARTBEAT_NOW and waits for the reader's tick. Optionally keeps the link alive.", &heartbeatCommand{}},
		{"status", "Show a device's backend status", "Reads the device row the reader updates when it checks in.", &statusCommand{}},
		{"upload", "Upload a toy photo", "Uploads a photo, falling back to smaller re-encodes when the backend is slow.", &uploadCommand{}},
		{"ca-fetch", "Download a CA bundle", "Downloads and validates a PEM bundle for provision.ca_bundle_path.", &caFetchCommand{}},
	}
	for _, c := range cmds {
		if _, err := p.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			log.Fatalf("flags: %v", err)
		}
	}
}

type readerOptions struct {
	MAC string `long:"mac" description:"reader MAC address (default: ble.device_mac, else the strongest reader found)"`
}

// connect opens a link to the chosen reader and resolves its device id.
func (a *application) connect(ctx context.Context, ro readerOptions) (*ble.Link, string, error) {
	mac := ro.MAC
	if mac == "" {
		mac = a.cfg.BLE.DeviceMAC
	}

	var name string
	if mac == "" {
		devices, err := ble.ScanForReaders(ctx, a.adapter, ble.ReaderFilter(a.cfg.BLE.NamePrefix), a.cfg.BLE.ScanTimeout)
		if err != nil {
			return nil, "", err
		}
		if len(devices) == 0 {
			return nil, "", errNoReaders
		}
		mac, name = devices[0].MAC, devices[0].Name
		log.Printf("Using %s (%s, %d dBm)", name, mac, devices[0].RSSI)
	}

	link, err := ble.Open(ctx, a.adapter, mac, a.linkOptions())
	if err != nil {
		return nil, "", err
	}

	id, err := link.ReadDeviceID()
	if err != nil {
		id = ble.DeviceIDFromName(name)
		if id == "" {
			link.Close()
			return nil, "", err
		}
		slog.Warn("[BLE] device id read failed, using advertised name", "error", err, "device", id)
	}
	return link, id, nil
}

type initCommand struct{}

func (c *initCommand) Execute([]string) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

type scanCommand struct {
	Timeout time.Duration `long:"timeout" description:"scan duration (default: ble.scan_timeout)"`
}

func (c *scanCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = app.cfg.BLE.ScanTimeout
	}
	devices, err := ble.ScanForReaders(ctx, app.adapter, ble.ReaderFilter(app.cfg.BLE.NamePrefix), timeout)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errNoReaders
	}
	for _, d := range devices {
		id := ble.DeviceIDFromName(d.Name)
		if id == "" {
			id = "-"
		}
		fmt.Printf("%-20s %-14s %s %4d dBm\n", d.Name, id, d.MAC, d.RSSI)
	}
	return nil
}

type wifiListCommand struct {
	readerOptions
	Timeout time.Duration `long:"timeout" default:"15s" description:"how long to wait for the list"`
}

func (c *wifiListCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	link, _, err := app.connect(ctx, c.readerOptions)
	if err != nil {
		return err
	}
	defer link.Close()

	networks, err := provision.ScanNetworks(ctx, link, provision.ListOptions{Timeout: c.Timeout})
	if err != nil && len(networks) == 0 {
		return err
	}
	if err != nil {
		slog.Warn("[PROVISION] network list incomplete", "error", err)
	}
	for _, n := range networks {
		fmt.Printf("%-32s %4d dBm  %s\n", n.SSID, n.RSSI, n.Encryption)
	}
	return nil
}

type provisionCommand struct {
	readerOptions
	SSID      string `long:"ssid" required:"yes" description:"Wi-Fi network name"`
	Password  string `long:"password" description:"Wi-Fi password (empty for open networks)"`
	Name      string `long:"name" description:"device name recorded in the backend"`
	NoConfirm bool   `long:"no-confirm" description:"do not wait for the device to report online"`
}

func (c *provisionCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	pcfg, err := provisionConfig(app.cfg)
	if err != nil {
		return err
	}
	if c.NoConfirm {
		pcfg.ConfirmOnline = false
	}
	client, err := app.backendClient()
	if err != nil {
		return err
	}
	deps := provisionDeps(app.cfg, client)

	link, deviceID, err := app.connect(ctx, c.readerOptions)
	if err != nil {
		return err
	}
	defer link.Close()

	printBanner(app.cfg, link.MAC(), deviceID)

	p := provision.New(pcfg, deps)
	res, err := p.Run(ctx, link, provision.Request{
		DeviceID:   deviceID,
		DeviceName: c.Name,
		SSID:       c.SSID,
		Password:   c.Password,
		OnStatus:   func(msg string) { fmt.Println(msg) },
	})
	if err != nil {
		var f *provision.Failure
		if errors.As(err, &f) {
			return errors.New(f.Message())
		}
		return err
	}

	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	fmt.Printf("%s joined %q after %d attempt(s)\n", res.Session.DeviceID, res.Session.SSID, res.Session.Attempt)
	return nil
}

// provisionConfig maps the config file onto provision.Config, loading the
// CA bundle when one is configured.
func provisionConfig(cfg *config.Config) (provision.Config, error) {
	pc := provision.DefaultConfig()
	pc.Policy = provision.Policy{
		BusyRetryDelay: cfg.Provision.BusyRetryDelay,
		BusyMaxRetries: cfg.Provision.BusyMaxRetries,
		FailRetryDelay: cfg.Provision.FailRetryDelay,
		WifiTimeout:    cfg.Provision.WifiTimeout,
		APNotFound:     provision.APNotFoundPolicy(cfg.Provision.APNotFound),
	}
	pc.ChunkSize = cfg.BLE.ChunkSize
	pc.TokenTimeout = cfg.Provision.TokenTimeout
	pc.Backend = protocol.SupabaseConfig{URL: cfg.Backend.URL, Anon: cfg.Backend.AnonKey}
	pc.TLSInsecure = cfg.Provision.TLSInsecure
	pc.ConfirmOnline = cfg.Provision.ConfirmOnline
	pc.OnlinePollInterval = cfg.Provision.OnlinePollInterval
	pc.OnlinePollWindow = cfg.Provision.OnlinePollWindow

	if cfg.Provision.CABundlePath != "" {
		b, err := cabundle.Load(cfg.Provision.CABundlePath)
		if err != nil {
			return pc, err
		}
		pc.CABundle = b.PEM
	}
	return pc, nil
}

// provisionDeps wires the backend into a provisioning run. Without a
// client every backend step is skipped.
func provisionDeps(cfg *config.Config, client *backend.Client) provision.Deps {
	if client == nil {
		return provision.Deps{}
	}
	deps := provision.Deps{
		Tokens:     backend.FunctionTokenIssuer{Client: client, Function: cfg.Backend.TokenFunction},
		CheckToken: backend.CheckDeviceToken,
		Status:     client,
	}
	if cfg.Backend.DebugTokenFunction != "" {
		deps.DebugTokens = backend.FunctionTokenIssuer{Client: client, Function: cfg.Backend.DebugTokenFunction}
	}
	if cfg.Provision.RegisterDevice && cfg.Backend.AccessToken != "" {
		deps.Registry = client
	}
	return deps
}

type heartbeatCommand struct {
	readerOptions
	Timeout   time.Duration `long:"timeout" default:"10s" description:"how long to wait for the reader's tick"`
	KeepAlive bool          `long:"keep-alive" description:"keep pinging the reader until interrupted"`
	Interval  time.Duration `long:"interval" default:"30s" description:"ping interval with --keep-alive"`
}

func (c *heartbeatCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	link, deviceID, err := app.connect(ctx, c.readerOptions)
	if err != nil {
		return err
	}
	defer link.Close()

	if err := provision.Heartbeat(ctx, link, c.Timeout); err != nil {
		return err
	}
	fmt.Printf("%s checked in\n", deviceID)

	if !c.KeepAlive {
		return nil
	}
	fmt.Println("Keeping the link alive, Ctrl+C to stop")
	return provision.KeepAlive(ctx, link, c.Interval)
}

type statusCommand struct {
	Device string `long:"device" required:"yes" description:"device id, e.g. ESP32_A1B2C3"`
}

func (c *statusCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, err := app.requireBackend()
	if err != nil {
		return err
	}
	id := ble.NormalizeDeviceID(c.Device)
	st, found, err := client.DeviceStatus(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("device %s is not registered", id)
	}

	online := "offline"
	if st.Online() {
		online = "online"
	}
	fmt.Printf("%s: %s (status %q)\n", id, online, st.Status)
	if st.WifiSSID != "" {
		fmt.Printf("  Wi-Fi:     %s\n", st.WifiSSID)
	}
	if st.WifiSignal != nil {
		fmt.Printf("  Signal:    %.0f dBm\n", *st.WifiSignal)
	}
	if st.LastSeen != "" {
		fmt.Printf("  Last seen: %s\n", st.LastSeen)
	}
	return nil
}

type uploadCommand struct {
	User string `long:"user" description:"owner id (default: the access token's subject)"`
	Args struct {
		File string `positional-arg-name:"FILE" description:"image to upload"`
	} `positional-args:"yes" required:"yes"`
}

func (c *uploadCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, err := app.requireBackend()
	if err != nil {
		return err
	}
	userID := c.User
	if userID == "" {
		if userID, err = client.UserID(); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(c.Args.File)
	if err != nil {
		return fmt.Errorf("reading photo: %w", err)
	}

	u := upload.NewUploader(
		backend.DirectUploader{Client: client, Bucket: app.cfg.Backend.Bucket, Timeout: app.cfg.Upload.DirectTimeout},
		backend.ProxyUploader{Client: client, Function: app.cfg.Backend.UploadFunction, Timeout: app.cfg.Upload.ProxyTimeout},
		upload.Options{HedgeDelay: app.cfg.Upload.HedgeDelay, Ladder: app.cfg.Upload.Ladder},
	)

	start := time.Now()
	url, err := u.Upload(ctx, upload.Task{
		UserID:      userID,
		Data:        data,
		ContentType: http.DetectContentType(data),
	})
	if err != nil {
		return err
	}
	log.Printf("Uploaded %s in %s", filepath.Base(c.Args.File), time.Since(start).Round(time.Millisecond))
	fmt.Println(url)
	return nil
}

type caFetchCommand struct {
	URL  string `long:"url" description:"bundle URL" default:"https://curl.se/ca/cacert.pem"`
	Dest string `long:"dest" description:"destination file (default: provision.ca_bundle_path, else ~/.config/toytrack/cacert.pem)"`
}

func (c *caFetchCommand) Execute([]string) error {
	ctx, cancel := signalContext()
	defer cancel()

	dest := c.Dest
	if dest == "" {
		dest = app.cfg.Provision.CABundlePath
	}
	if dest == "" {
		dest = filepath.Join(config.DefaultConfigDir(), "cacert.pem")
	}

	fmt.Printf("Downloading %s\n", c.URL)
	b, err := cabundle.Fetch(ctx, c.URL, dest, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %d certificates to %s\n", b.Count, dest)
	if app.cfg.Provision.CABundlePath == "" {
		fmt.Println("Set provision.ca_bundle_path to push it to readers.")
	}
	return nil
}
