// Package handle provides the reference-counted plugin instance handle
// that Loader.Instantiate returns (spec §4, §9). Go has no destructors
// to run a deleter deterministically when the last reference goes out
// of scope, so Handle tracks its own refcount with an atomic and
// exposes explicit Acquire/Release calls; a runtime.SetFinalizer is
// installed as a backstop for callers that forget to Release.
package handle

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/tyklabs/pluginhost/descriptor"
	"github.com/tyklabs/pluginhost/log"
)

// SelfAware is implemented by a plugin instance that wants to obtain a
// weak reference to its own Handle, mirroring EnablePluginFromThis: the
// instance can hand out further references to itself without holding a
// strong reference that would keep itself alive forever.
type SelfAware interface {
	PluginHostSetSelfHandle(*WeakHandle)
}

// WeakHandle is a non-owning reference to a Handle. Acquire promotes it
// to a strong reference, or reports false if the Handle has already
// been fully released.
type WeakHandle struct {
	ptr weak.Pointer[Handle]
}

// NewWeakHandle wraps h in a WeakHandle without affecting its refcount.
// The loader package calls this to give a newly instantiated plugin a
// reference to itself when it implements SelfAware.
func NewWeakHandle(h *Handle) *WeakHandle {
	return &WeakHandle{ptr: weak.Make(h)}
}

// Acquire attempts to promote w into a strong, refcounted *Handle.
func (w *WeakHandle) Acquire() (*Handle, bool) {
	if w == nil {
		return nil, false
	}
	h := w.ptr.Value()
	if h == nil || h.IsEmpty() {
		return nil, false
	}
	return h.Acquire(), true
}

// Handle is a single instantiated plugin: the type-erased instance
// returned by a descriptor's Factory, the descriptor itself (for
// QueryInterface dispatch), and a keepAlive callback that the Loader
// supplies to tie the instance's lifetime to its owning library.
type Handle struct {
	mu        sync.Mutex
	refcount  atomic.Int32
	instance  any
	desc      *descriptor.Descriptor
	keepAlive func()
	released  bool
}

// New wraps instance, created from desc.Factory, into a Handle with an
// initial refcount of one. keepAlive, if non-nil, is invoked exactly
// once, after desc.Deleter has run, when the last reference is
// released; the Loader uses it to decrement the owning library's live
// instance count.
func New(instance any, desc *descriptor.Descriptor, keepAlive func()) *Handle {
	h := &Handle{
		instance:  instance,
		desc:      desc,
		keepAlive: keepAlive,
	}
	h.refcount.Store(1)
	runtime.SetFinalizer(h, func(h *Handle) {
		if !h.IsEmpty() {
			log.Get().Warn("handle: plugin instance was garbage collected without being released")
			h.Release()
		}
	})
	return h
}

// Acquire increments the refcount and returns h, mirroring copying a
// shared_ptr.
func (h *Handle) Acquire() *Handle {
	h.refcount.Add(1)
	return h
}

// Release decrements the refcount. When it reaches zero, the
// descriptor's Deleter runs on the instance -- while the owning
// library is still guaranteed loaded, since keepAlive has not yet been
// called -- and only afterwards does keepAlive run.
func (h *Handle) Release() {
	if h.refcount.Add(-1) > 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true

	if h.desc != nil && h.desc.Deleter != nil {
		h.desc.Deleter(h.instance)
	}
	if h.keepAlive != nil {
		h.keepAlive()
	}
	h.instance = nil
}

// IsEmpty reports whether every reference to h has been released.
func (h *Handle) IsEmpty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// QueryInterface returns the result of upcasting h's instance through
// the named interface, or false if the instance's descriptor does not
// implement it.
func (h *Handle) QueryInterface(name string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || h.desc == nil {
		return nil, false
	}
	upcast, ok := h.desc.Interfaces[name]
	if !ok {
		return nil, false
	}
	return upcast(h.instance), true
}

// QueryInterface is the generic form of (*Handle).QueryInterface: it
// resolves T's interface identity via descriptor.Symbol and performs
// the type assertion for the caller.
func QueryInterface[T any](h *Handle) (T, bool) {
	var zero T
	raw, ok := h.QueryInterface(descriptor.Symbol[T]())
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// QueryInterfaceShared upcasts h's instance through the named interface,
// same as QueryInterface, but the returned capability carries its own
// share of h: it calls h.Acquire() before returning, and the caller must
// call the returned release func exactly once when done with the
// capability. This is what lets the interface pointer stay valid after
// every other reference to h has been released -- the Deleter only runs
// once every share, including this one, has been released.
func (h *Handle) QueryInterfaceShared(name string) (any, func(), bool) {
	h.mu.Lock()
	if h.released || h.desc == nil {
		h.mu.Unlock()
		return nil, nil, false
	}
	upcast, ok := h.desc.Interfaces[name]
	if !ok {
		h.mu.Unlock()
		return nil, nil, false
	}
	instance := upcast(h.instance)
	h.mu.Unlock()

	h.Acquire()
	var once sync.Once
	release := func() { once.Do(h.Release) }
	return instance, release, true
}

// QueryInterfaceShared is the generic form of
// (*Handle).QueryInterfaceShared.
func QueryInterfaceShared[T any](h *Handle) (T, func(), bool) {
	var zero T
	raw, release, ok := h.QueryInterfaceShared(descriptor.Symbol[T]())
	if !ok {
		return zero, nil, false
	}
	typed, ok := raw.(T)
	if !ok {
		release()
		return zero, nil, false
	}
	return typed, release, true
}
