// Package trigger provides a line-based affordance: typing a known
// selector on its own line activates it.
package trigger

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/nus-bridge/internal/bridge"
)

// Lines turns whole input lines into activations: typing a known selector
// on its own line activates the affordance of that name. It suits headless
// hosts where no hotkey hook is available.
type Lines struct {
	mu        sync.Mutex
	known     map[string]bool
	listeners map[string]map[int]func()
	next      int
}

// NewLines starts reading r in the background. Only the given selectors
// can be looked up.
func NewLines(r io.Reader, selectors ...string) *Lines {
	l := &Lines{
		known:     make(map[string]bool),
		listeners: make(map[string]map[int]func()),
	}
	for _, s := range selectors {
		l.known[s] = true
	}
	go l.run(r)
	return l
}

func (l *Lines) run(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		l.activate(strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		slog.Warn("[TRIGGER] input closed", "error", err)
	}
}

func (l *Lines) activate(selector string) {
	l.mu.Lock()
	var fns []func()
	for _, fn := range l.listeners[selector] {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Lookup reports false for selectors not passed to NewLines.
func (l *Lines) Lookup(selector string) (bridge.Affordance, bool) {
	if !l.known[selector] {
		return nil, false
	}
	return &line{owner: l, selector: selector}, true
}

type line struct {
	owner    *Lines
	selector string
}

func (a *line) OnActivate(fn func()) func() {
	l := a.owner
	l.mu.Lock()
	id := l.next
	l.next++
	if l.listeners[a.selector] == nil {
		l.listeners[a.selector] = make(map[int]func())
	}
	l.listeners[a.selector][id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners[a.selector], id)
		l.mu.Unlock()
	}
}
