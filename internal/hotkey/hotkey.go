// Package hotkey provides a global hotkey affordance using gohook: the
// connect trigger fires when the configured key combo is pressed.
package hotkey

import (
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
	"github.com/vcaesar/keycode"

	"github.com/chaz8081/nus-bridge/internal/bridge"
)

// Listener watches one global key combo and emits an event on every press.
type Listener struct {
	keys []string
	ch   chan struct{}
	done chan struct{}
	once sync.Once
}

// NewListener creates a Listener for the given key combo.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "b"]).
func NewListener(keys []string) *Listener {
	return &Listener{
		keys: keys,
		ch:   make(chan struct{}, 16),
		done: make(chan struct{}),
	}
}

// Events returns the channel that receives key presses.
// The channel is closed when Stop is called.
func (l *Listener) Events() <-chan struct{} {
	return l.ch
}

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(e hook.Event) {
		select {
		case l.ch <- struct{}{}:
		default: // don't block if channel is full
		}
	})

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// ParseKeys splits a selector such as "Ctrl+Shift+B" into gohook key names.
// It returns nil if any key is unknown.
func ParseKeys(selector string) []string {
	var keys []string
	for _, k := range strings.Split(selector, "+") {
		k = strings.ToLower(strings.TrimSpace(k))
		if _, ok := keycode.Keycode[k]; !ok {
			return nil
		}
		keys = append(keys, k)
	}
	return keys
}

// Hotkeys resolves key-combo selectors to global hotkey affordances.
type Hotkeys struct{}

// Lookup reports false when selector names a key gohook does not know.
func (Hotkeys) Lookup(selector string) (bridge.Affordance, bool) {
	keys := ParseKeys(selector)
	if len(keys) == 0 {
		return nil, false
	}
	return &hotkey{keys: keys}, true
}

type hotkey struct {
	keys []string
}

// OnActivate runs fn on every press until detached. gohook keeps a single
// process-wide hook, so detaching ends it.
func (h *hotkey) OnActivate(fn func()) func() {
	l := NewListener(h.keys)
	go l.Start()
	go func() {
		for range l.Events() {
			fn()
		}
	}()
	return l.Stop
}

// Compile-time check that Hotkeys satisfies bridge.Affordances.
var _ bridge.Affordances = Hotkeys{}
