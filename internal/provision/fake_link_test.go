package provision

import (
	"context"
	"strings"
	"sync"
)

// fakeLink is a scripted reader: respond maps each written command to the
// notifications the reader sends back.
type fakeLink struct {
	mu           sync.Mutex
	writes       []string
	listeners    map[int]func(string)
	nextID       int
	unsubscribes int
	writeErr     error
	respond      func(cmd string) []string
	dropped      chan struct{}
}

func newFakeLink(respond func(cmd string) []string) *fakeLink {
	return &fakeLink{
		listeners: make(map[int]func(string)),
		respond:   respond,
		dropped:   make(chan struct{}),
	}
}

func (f *fakeLink) Send(ctx context.Context, cmd string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.writeErr != nil {
		err := f.writeErr
		f.mu.Unlock()
		return err
	}
	f.writes = append(f.writes, cmd)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		for _, msg := range respond(cmd) {
			f.emit(msg)
		}
	}
	return nil
}

func (f *fakeLink) SendAll(ctx context.Context, cmds []string) error {
	for _, cmd := range cmds {
		if err := f.Send(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeLink) Subscribe(fn func(string)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.listeners, id)
			f.unsubscribes++
		})
	}, nil
}

func (f *fakeLink) Disconnected() <-chan struct{} { return f.dropped }

// emit delivers msg to every current listener.
func (f *fakeLink) emit(msg string) {
	f.mu.Lock()
	fns := make([]func(string), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (f *fakeLink) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// count returns how many writes start with prefix.
func (f *fakeLink) count(prefix string) int {
	n := 0
	for _, w := range f.written() {
		if strings.HasPrefix(w, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeLink) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// onWifiSet answers the n-th WIFI_SET (0-based) with replies[n]; writes
// beyond the script get no answer.
func onWifiSet(replies ...[]string) func(string) []string {
	var mu sync.Mutex
	n := 0
	return func(cmd string) []string {
		if !strings.HasPrefix(cmd, "WIFI_SET ") {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		i := n
		n++
		if i < len(replies) {
			return replies[i]
		}
		return nil
	}
}
