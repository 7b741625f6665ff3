package api

import (
	"sync"

	"github.com/bryanchriswhite/QRInspector/internal/camera"
)

// ResultHub fans decode results out to websocket subscribers
type ResultHub struct {
	mu   sync.RWMutex
	subs map[chan camera.Result]struct{}
}

// NewResultHub creates an empty hub
func NewResultHub() *ResultHub {
	return &ResultHub{subs: make(map[chan camera.Result]struct{})}
}

// Subscribe returns a channel receiving every new result
func (h *ResultHub) Subscribe() chan camera.Result {
	ch := make(chan camera.Result, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch
func (h *ResultHub) Unsubscribe(ch chan camera.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Close disconnects all subscribers
func (h *ResultHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		close(ch)
	}
	h.subs = make(map[chan camera.Result]struct{})
}

// OnResult forwards changed results; slow subscribers miss updates
func (h *ResultHub) OnResult(r camera.Result) {
	if !r.Changed {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- r:
		default:
		}
	}
}

// Subscribers returns the number of connected subscribers
func (h *ResultHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
