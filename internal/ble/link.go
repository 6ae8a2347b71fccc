package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// ErrLinkClosed is returned by operations on a closed Link.
	ErrLinkClosed = errors.New("ble: link closed")
	// ErrDisconnected is returned when the peripheral dropped the connection.
	ErrDisconnected = errors.New("ble: peripheral disconnected")
	// ErrNoDeviceID is returned when the reader exposes no usable identifier.
	ErrNoDeviceID = errors.New("ble: device id unavailable")
)

// UUIDs names the GATT service and characteristics a Link uses.
type UUIDs struct {
	Service  string
	Write    string
	Notify   string
	DeviceID string
}

// DefaultUUIDs returns the PINME reader layout.
func DefaultUUIDs() UUIDs {
	return UUIDs{
		Service:  ServiceUUID,
		Write:    WriteCharUUID,
		Notify:   NotifyCharUUID,
		DeviceID: DeviceIDCharUUID,
	}
}

// LinkOptions configures connection setup and write pacing.
type LinkOptions struct {
	UUIDs           UUIDs
	InterFrameDelay time.Duration // delay between frames written by SendAll (default 20ms)
	ConnectAttempts int           // connect tries before giving up (default 3)
	ReconnectMax    int           // max connect backoff in seconds (default 8)
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		UUIDs:           DefaultUUIDs(),
		InterFrameDelay: 20 * time.Millisecond,
		ConnectAttempts: 3,
		ReconnectMax:    8,
	}
}

func (o LinkOptions) withDefaults() LinkOptions {
	d := DefaultLinkOptions()
	if o.UUIDs.Service == "" {
		o.UUIDs.Service = d.UUIDs.Service
	}
	if o.UUIDs.Write == "" {
		o.UUIDs.Write = d.UUIDs.Write
	}
	if o.UUIDs.Notify == "" {
		o.UUIDs.Notify = d.UUIDs.Notify
	}
	if o.UUIDs.DeviceID == "" {
		o.UUIDs.DeviceID = d.UUIDs.DeviceID
	}
	if o.InterFrameDelay < 0 {
		o.InterFrameDelay = 0
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = d.ConnectAttempts
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = d.ReconnectMax
	}
	return o
}

// Link is the write/notify channel pair to one connected reader. Writes are
// serialized: a multi-frame SendAll never interleaves with other writes.
// Notifications fan out to every subscriber registered with Subscribe.
type Link struct {
	mac    string
	conn   Connection
	write  Characteristic
	notify Characteristic
	opts   LinkOptions

	writeMu sync.Mutex

	// mu protects the fields below.
	mu         sync.Mutex
	listeners  map[int]func(string)
	nextID     int
	subscribed bool
	closed     bool

	dropped  chan struct{}
	dropOnce sync.Once
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Open enables the adapter, connects to mac with bounded retries and
// discovers the write and notify characteristics.
func Open(ctx context.Context, adapter Adapter, mac string, opts LinkOptions) (*Link, error) {
	opts = opts.withDefaults()
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < opts.ConnectAttempts; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, opts.ReconnectMax)
			slog.Info("[BLE] connect backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
			case <-time.After(delay):
			}
		}

		conn, err := adapter.Connect(ctx, mac)
		if err != nil {
			lastErr = err
			slog.Warn("[BLE] connect failed", "error", err, "attempt", attempt+1)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		link, err := NewLink(conn, mac, opts)
		if err != nil {
			conn.Disconnect()
			lastErr = err
			slog.Warn("[BLE] characteristic discovery failed", "error", err, "attempt", attempt+1)
			continue
		}
		slog.Info("[BLE] connected", "mac", mac)
		return link, nil
	}
	return nil, fmt.Errorf("ble: connect to %s after %d attempts: %w", mac, opts.ConnectAttempts, lastErr)
}

// NewLink wraps an established connection.
func NewLink(conn Connection, mac string, opts LinkOptions) (*Link, error) {
	opts = opts.withDefaults()
	write, err := conn.DiscoverCharacteristic(opts.UUIDs.Service, opts.UUIDs.Write)
	if err != nil {
		return nil, fmt.Errorf("ble: discover write characteristic: %w", err)
	}
	notify, err := conn.DiscoverCharacteristic(opts.UUIDs.Service, opts.UUIDs.Notify)
	if err != nil {
		return nil, fmt.Errorf("ble: discover notify characteristic: %w", err)
	}

	l := &Link{
		mac:       mac,
		conn:      conn,
		write:     write,
		notify:    notify,
		opts:      opts,
		listeners: make(map[int]func(string)),
		dropped:   make(chan struct{}),
	}
	conn.OnDisconnect(func() {
		slog.Warn("[BLE] peripheral disconnected", "mac", mac)
		l.dropOnce.Do(func() { close(l.dropped) })
	})
	return l, nil
}

// MAC returns the peripheral address the link is connected to.
func (l *Link) MAC() string { return l.mac }

// Disconnected is closed when the peripheral drops the connection.
func (l *Link) Disconnected() <-chan struct{} { return l.dropped }

func (l *Link) usable() error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrLinkClosed
	}
	select {
	case <-l.dropped:
		return ErrDisconnected
	default:
		return nil
	}
}

// Send writes one command and waits for the peripheral to acknowledge it.
func (l *Link) Send(ctx context.Context, cmd string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.writeOne(ctx, cmd)
}

func (l *Link) writeOne(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.usable(); err != nil {
		return err
	}
	if err := l.write.Write([]byte(cmd)); err != nil {
		// Command text may carry credentials; only the verb is logged.
		verb, _, _ := strings.Cut(cmd, " ")
		return fmt.Errorf("ble: write %s: %w", verb, err)
	}
	slog.Debug("[BLE] wrote", "bytes", len(cmd))
	return nil
}

// SendAll writes cmds in order, awaiting each write before the next and
// pausing InterFrameDelay between frames. It stops at the first error or
// when ctx is done.
func (l *Link) SendAll(ctx context.Context, cmds []string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	for i, cmd := range cmds {
		if err := l.writeOne(ctx, cmd); err != nil {
			return err
		}
		// Small delay between frames to avoid overwhelming the ESP32
		if i < len(cmds)-1 && l.opts.InterFrameDelay > 0 {
			t := time.NewTimer(l.opts.InterFrameDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil
}

// Subscribe registers fn for every notification, decoded as trimmed UTF-8.
// The returned function removes fn; the underlying characteristic
// subscription is released when the last subscriber goes away.
func (l *Link) Subscribe(fn func(msg string)) (unsubscribe func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrLinkClosed
	}
	if !l.subscribed {
		if err := l.notify.Subscribe(l.dispatch); err != nil {
			return nil, fmt.Errorf("ble: subscribe: %w", err)
		}
		l.subscribed = true
	}

	id := l.nextID
	l.nextID++
	l.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() { l.removeListener(id) })
	}, nil
}

func (l *Link) removeListener(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.listeners, id)
	if len(l.listeners) == 0 && l.subscribed {
		l.subscribed = false
		if err := l.notify.Unsubscribe(); err != nil {
			slog.Warn("[BLE] unsubscribe failed", "error", err)
		}
	}
}

// Subscribers reports how many listeners are registered.
func (l *Link) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}

func (l *Link) dispatch(data []byte) {
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return
	}

	l.mu.Lock()
	fns := make([]func(string), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	slog.Debug("[BLE] notification", "msg", msg)
	for _, fn := range fns {
		fn(msg)
	}
}

// ReadDeviceID reads the reader's identifier from the device-id
// characteristic, falling back to a read of the notify characteristic, and
// returns it normalized (see NormalizeDeviceID).
func (l *Link) ReadDeviceID() (string, error) {
	if err := l.usable(); err != nil {
		return "", err
	}

	var raw string
	idChar, err := l.conn.DiscoverCharacteristic(l.opts.UUIDs.Service, l.opts.UUIDs.DeviceID)
	if err == nil {
		if v, rerr := idChar.Read(); rerr == nil {
			raw = strings.TrimSpace(string(v))
		} else {
			err = rerr
		}
	}
	if raw == "" {
		slog.Debug("[BLE] device id characteristic unavailable, reading notify characteristic", "error", err)
		v, rerr := l.notify.Read()
		if rerr != nil {
			return "", fmt.Errorf("ble: read device id: %w", rerr)
		}
		raw = strings.TrimSpace(string(v))
	}

	id := NormalizeDeviceID(raw)
	if id == "" {
		return "", ErrNoDeviceID
	}
	return id, nil
}

// Close releases the notification subscription and disconnects. Calling
// Close more than once is safe.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.subscribed {
		l.subscribed = false
		if err := l.notify.Unsubscribe(); err != nil {
			slog.Warn("[BLE] unsubscribe failed", "error", err)
		}
	}
	l.listeners = make(map[int]func(string))
	l.mu.Unlock()

	if err := l.conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	slog.Info("[BLE] disconnected", "mac", l.mac)
	return nil
}
