// Package events is the observer registry that lets UI layers react to state changes.
//
// Observers register a callback per (observer, hook) pair. Publishing runs every callback registered for a hook
// synchronously on the publishing goroutine, in registration order.
package events

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

type Hook string

const (
	// HookResourceUpdated fires with a ResourceEvent after a cached resource changed.
	HookResourceUpdated Hook = "resource.updated"
	// HookResourceEvicted fires with a ResourceEvent after a resource vanished from the server.
	HookResourceEvicted Hook = "resource.evicted"
	// HookResyncForced fires with a ResyncEvent after a failed mutation forced a refetch.
	HookResyncForced Hook = "resync.forced"
	// HookSyncNow asks the sync loop for an immediate cycle.
	HookSyncNow Hook = "sync.now"
	// HookLibraryChanged fires with the new []room.Asset after the room library changed.
	HookLibraryChanged Hook = "library.changed"
)

type Phase string

const (
	PhaseFetched    Phase = "fetched"
	PhaseOptimistic Phase = "optimistic"
	PhaseConfirmed  Phase = "confirmed"
)

type ResourceEvent struct {
	Path  string
	Phase Phase
}

type ResyncEvent struct {
	Path string
	Err  error
}

type Callback func(payload any)

type observer struct {
	name     string
	callback Callback
}

type Hub struct {
	log *slog.Logger

	mutex     sync.Mutex
	observers map[Hook][]observer
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:       log,
		observers: make(map[Hook][]observer),
	}
}

// Subscribe registers callback for hook under the observer name. A previous registration of the same pair is
// dropped first, so the observer moves to the end of the call order.
func (h *Hub) Subscribe(name string, hook Hook, callback Callback) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	next := slices.DeleteFunc(slices.Clone(h.observers[hook]), func(o observer) bool {
		return o.name == name
	})
	h.observers[hook] = append(next, observer{name: name, callback: callback})
}

func (h *Hub) Unsubscribe(name string, hook Hook) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	current, ok := h.observers[hook]
	if !ok {
		return
	}
	h.observers[hook] = slices.DeleteFunc(slices.Clone(current), func(o observer) bool {
		return o.name == name
	})
}

// UnsubscribeAll drops every registration of the observer across all hooks.
func (h *Hub) UnsubscribeAll(name string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for hook, current := range h.observers {
		h.observers[hook] = slices.DeleteFunc(slices.Clone(current), func(o observer) bool {
			return o.name == name
		})
	}
}

func (h *Hub) Publish(hook Hook, payload any) {
	h.mutex.Lock()
	current := h.observers[hook]
	h.mutex.Unlock()

	for _, o := range current {
		h.call(hook, o, payload)
	}
}

func (h *Hub) call(hook Hook, o observer, payload any) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("observer failed", "observer", o.name, "hook", hook, "err", fmt.Sprint(r))
		}
	}()
	o.callback(payload)
}

func (h *Hub) Observers(hook Hook) []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	names := make([]string, 0, len(h.observers[hook]))
	for _, o := range h.observers[hook] {
		names = append(names, o.name)
	}
	return names
}
