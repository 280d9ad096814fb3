// Package registry holds the process-wide scratch space that the
// registration protocol and the Loader rendezvous through: the native and
// dynamic plugin tables, the archive of previously-seen descriptors, and
// the mode/registration-okay flags a library's registration hook consults
// while it runs.
//
// Everything here is process-wide by design (see spec §5): at most one
// LoadMutex-holding LoadLibrary call may be depositing into Dynamic at a
// time, so the tables never need to distinguish which Loader asked for
// what.
package registry

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/TykTechnologies/murmur3"

	"github.com/tyklabs/pluginhost/descriptor"
)

const shardCount = 16

// Table is a sharded symbol -> descriptor map. Sharding by a murmur3 hash
// of the symbol keeps concurrent registrations from different libraries
// (or, in the case of Dynamic, from the single in-flight LoadLibrary call
// draining while other Loaders read Native) off of one global lock.
type Table struct {
	shards [shardCount]tableShard
}

type tableShard struct {
	mu   sync.Mutex
	byID map[string]*descriptor.Descriptor
}

func newTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].byID = make(map[string]*descriptor.Descriptor)
	}
	return t
}

func (t *Table) shardFor(symbol string) *tableShard {
	h := murmur3.Sum64([]byte(symbol))
	return &t.shards[h%shardCount]
}

// Upsert inserts d, or merges it into an existing descriptor with the same
// Symbol (the "registering the same descriptor twice merges" rule of
// §4.1). It returns the stored descriptor.
func (t *Table) Upsert(d descriptor.Descriptor) *descriptor.Descriptor {
	shard := t.shardFor(d.Symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if existing, ok := shard.byID[d.Symbol]; ok {
		existing.Merge(d)
		return existing
	}

	stored := d
	shard.byID[d.Symbol] = &stored
	return &stored
}

// Extract returns every descriptor currently in the table.
func (t *Table) Extract() []*descriptor.Descriptor {
	var out []*descriptor.Descriptor
	for i := range t.shards {
		t.shards[i].mu.Lock()
		for _, d := range t.shards[i].byID {
			out = append(out, d)
		}
		t.shards[i].mu.Unlock()
	}
	return out
}

// Clear empties the table. Used to drain Dynamic at the end of each
// LoadLibrary call.
func (t *Table) Clear() {
	for i := range t.shards {
		t.shards[i].mu.Lock()
		t.shards[i].byID = make(map[string]*descriptor.Descriptor)
		t.shards[i].mu.Unlock()
	}
}

// Archive records, for each currently-loaded library handle, weak
// references to the descriptors it produced, plus a descriptor-identity
// back-pointer to that handle. This lets a second Loader that opens an
// already-loaded library reuse the descriptors already built for it
// instead of re-registering them.
type Archive struct {
	mu                  sync.Mutex
	handleToDescriptors map[uintptr][]weak.Pointer[descriptor.Descriptor]

	// descriptorToHandle is intentionally bounded: it exists only to let
	// Unregister find which archive bucket to clean up during library
	// unload, so evicting a cold entry costs nothing worse than a
	// cleanup call becoming a silent no-op for a descriptor that is
	// about to be garbage collected anyway.
	descriptorToHandle *lru.Cache[*descriptor.Descriptor, uintptr]
}

const archiveBackpointerCapacity = 4096

func newArchive() *Archive {
	c, err := lru.New[*descriptor.Descriptor, uintptr](archiveBackpointerCapacity)
	if err != nil {
		// Only returns an error for a non-positive size, which is a
		// compile-time constant here.
		panic(err)
	}
	return &Archive{
		handleToDescriptors: make(map[uintptr][]weak.Pointer[descriptor.Descriptor]),
		descriptorToHandle:  c,
	}
}

// Record appends weak references to descs under handle and records the
// descriptor -> handle back-pointer for each. Recording an empty slice is
// a no-op: a library that registered nothing must not pollute the
// archive (it would otherwise be mistaken, on a later load, for a plugin
// library that legitimately has zero plugins).
func (a *Archive) Record(handle uintptr, descs []*descriptor.Descriptor) {
	if len(descs) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, d := range descs {
		a.handleToDescriptors[handle] = append(a.handleToDescriptors[handle], weak.Make(d))
		a.descriptorToHandle.Add(d, handle)
	}
}

// Lookup returns the still-live descriptors archived for handle. lapsed
// counts weak references whose target has already been collected, which
// per §4.2 step 4 is logged by the caller as an internal bug.
func (a *Archive) Lookup(handle uintptr) (descs []*descriptor.Descriptor, lapsed int, found bool) {
	a.mu.Lock()
	entries, ok := a.handleToDescriptors[handle]
	a.mu.Unlock()
	if !ok {
		return nil, 0, false
	}

	for _, weakPtr := range entries {
		if d := weakPtr.Value(); d != nil {
			descs = append(descs, d)
		} else {
			lapsed++
		}
	}
	return descs, lapsed, true
}

// Forget removes only d's own archive entry, per the cleanup hook's
// contract in §4.1: unregistering one descriptor must not disturb the
// archive entries of its siblings, which a second Loader opening the
// same library still needs to be able to reuse.
func (a *Archive) Forget(d *descriptor.Descriptor) {
	handle, ok := a.descriptorToHandle.Get(d)
	if !ok {
		return
	}
	a.descriptorToHandle.Remove(d)

	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.handleToDescriptors[handle]
	for i, weakPtr := range entries {
		if weakPtr.Value() == d {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}

	if len(entries) == 0 {
		delete(a.handleToDescriptors, handle)
	} else {
		a.handleToDescriptors[handle] = entries
	}
}

var (
	// Native holds plugins belonging to the host executable or anything
	// statically linked into it.
	Native = newTable()

	// Dynamic holds plugins deposited by the library a LoadLibrary call
	// is currently in the middle of opening. It is drained and cleared
	// at the end of every LoadLibrary call.
	Dynamic = newTable()

	// Archived is the process-wide weak-referenced mirror of every
	// descriptor any loaded library has ever produced.
	Archived = newArchive()

	// LoadMutex is the single, process-wide mutex a LoadLibrary call
	// must hold for its full duration (§5).
	LoadMutex sync.Mutex

	dynamicMode      atomic.Bool
	registrationOkay atomic.Bool
)

// SetDynamicMode flips the mode flag a registration hook consults to
// decide between Native and Dynamic. Callers must hold LoadMutex.
func SetDynamicMode(v bool) { dynamicMode.Store(v) }

// DynamicMode reports the current mode flag.
func DynamicMode() bool { return dynamicMode.Load() }

// SetRegistrationOkay sets the registration-okay flag a LoadLibrary call
// inspects afterwards to decide whether to log a soft diagnostic.
func SetRegistrationOkay(v bool) { registrationOkay.Store(v) }

// RegistrationOkay reports the current registration-okay flag.
func RegistrationOkay() bool { return registrationOkay.Load() }

// TargetTable returns whichever of Native/Dynamic the current mode flag
// selects.
func TargetTable() *Table {
	if dynamicMode.Load() {
		return Dynamic
	}
	return Native
}

// CurrentTable returns the table a registration hook should log against
// when it reports a diagnostic, purely for message clarity.
func CurrentTable() string {
	if dynamicMode.Load() {
		return "dynamic"
	}
	return "native"
}
