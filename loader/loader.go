// Package loader implements the Loader described in spec §4: the type
// applications hold onto to load plugin libraries, look up plugins by
// name or alias, and instantiate them. It is grounded on
// ignition::plugin::Loader, adapted to Go's plugin package (which plays
// the role dlopen/dlsym play in the original) and to the fact that a Go
// process can never truly unload a loaded plugin (there is no dlclose
// equivalent): ForgetLibrary and ForgetLibraryOfPlugin still tear down
// this Loader's own bookkeeping correctly, they just cannot reclaim the
// shared object's pages.
package loader

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	goplugin "plugin"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/tyklabs/pluginhost/descriptor"
	"github.com/tyklabs/pluginhost/handle"
	"github.com/tyklabs/pluginhost/internal/pluginpath"
	"github.com/tyklabs/pluginhost/internal/registry"
	"github.com/tyklabs/pluginhost/log"
	"github.com/tyklabs/pluginhost/metrics"
	"github.com/tyklabs/pluginhost/registration/legacy"
)

// libraryHandle stands in for the raw dlHandle pointer of the original
// design. Go's plugin package already deduplicates concurrent Open
// calls for the same path within a process, so this only needs to
// carry an identity stable across every Loader that opens the same
// library, plus a live-instance count used by ForgetLibrary bookkeeping
// and by the metrics package.
type libraryHandle struct {
	id            uintptr
	path          string
	plugin        *goplugin.Plugin
	liveInstances atomic.Int64
}

func handleID(path string) uintptr {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return uintptr(h.Sum64())
}

// Loader resolves plugin names and aliases to descriptors it has
// collected either from the native registry (at construction time) or
// from libraries it has been asked to load, and instantiates plugin
// classes on request.
type Loader struct {
	mu sync.RWMutex

	plugins         map[string]*descriptor.Descriptor
	aliases         map[string]map[string]struct{}
	pluginToHandle  map[string]*libraryHandle
	handleToPlugins map[uintptr]map[string]struct{}
	handles         map[uintptr]*libraryHandle

	stats *metrics.Metrics
}

// New returns a Loader pre-populated with every plugin the native
// registry has accumulated so far -- the plugins belonging to the host
// binary itself or to anything statically linked into it.
func New() *Loader {
	l := &Loader{
		plugins:         make(map[string]*descriptor.Descriptor),
		aliases:         make(map[string]map[string]struct{}),
		pluginToHandle:  make(map[string]*libraryHandle),
		handleToPlugins: make(map[uintptr]map[string]struct{}),
		handles:         make(map[uintptr]*libraryHandle),
	}
	l.storePlugins(registry.Native.Extract(), nil)
	return l
}

// AttachMetrics wires m into this Loader: subsequent LoadLibrary calls
// record their duration against m, and one that ends with a plugin
// rejected during registration increments m's failure counter. m is
// typically built with metrics.New(reg, l) once l itself is constructed.
func (l *Loader) AttachMetrics(m *metrics.Metrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats = m
}

func (l *Loader) storePlugins(descs []*descriptor.Descriptor, lh *libraryHandle) map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		name := d.Name
		if name == "" {
			name = d.Symbol
		}

		for alias := range d.Aliases {
			if l.aliases[alias] == nil {
				l.aliases[alias] = make(map[string]struct{})
			}
			l.aliases[alias][name] = struct{}{}
		}

		l.plugins[name] = d
		l.pluginToHandle[name] = lh
		added[name] = struct{}{}
	}

	if lh != nil && len(added) > 0 {
		if l.handleToPlugins[lh.id] == nil {
			l.handleToPlugins[lh.id] = make(map[string]struct{})
		}
		for name := range added {
			l.handleToPlugins[lh.id][name] = struct{}{}
		}
		l.handles[lh.id] = lh
	}

	return added
}

// LoadLibrary opens the plugin library at path, running any exported
// registration hooks it contains (including the legacy v1 hook), and
// returns the names of every plugin the library made available to this
// Loader. It holds registry.LoadMutex for its full duration: only one
// LoadLibrary call across the whole process may be depositing into the
// dynamic registry at a time (spec §5).
func (l *Loader) LoadLibrary(path string) (map[string]struct{}, error) {
	start := time.Now()
	l.mu.RLock()
	stats := l.stats
	l.mu.RUnlock()
	if stats != nil {
		defer func() { stats.ObserveLoadDuration(time.Since(start).Seconds()) }()
	}

	registry.LoadMutex.Lock()
	defer registry.LoadMutex.Unlock()

	absPath, err := filepath.Abs(pluginpath.Resolve(path))
	if err != nil {
		return nil, fmt.Errorf("loader: resolving path %q: %w", path, err)
	}

	registry.SetDynamicMode(true)
	registry.SetRegistrationOkay(true)
	p, openErr := goplugin.Open(absPath)
	registry.SetDynamicMode(false)

	if !registry.RegistrationOkay() {
		log.Get().Warnf("a plugin registration error was encountered while loading %q", absPath)
		if stats != nil {
			stats.IncRegistrationFailure()
		}
	}

	if openErr != nil {
		registry.Dynamic.Clear()
		return nil, fmt.Errorf("loader: opening %q: %w", absPath, openErr)
	}

	id := handleID(absPath)
	l.mu.RLock()
	lh, known := l.handles[id]
	l.mu.RUnlock()
	if !known {
		lh = &libraryHandle{id: id, path: absPath, plugin: p}
	}

	descs, err := l.receivePlugins(lh, p, absPath)
	if err != nil {
		registry.Dynamic.Clear()
		return nil, err
	}

	loaded := l.storePlugins(descs, lh)
	registry.Dynamic.Clear()

	if len(loaded) == 0 {
		native := l.probeNativeSymbols(p)
		if len(native) == 0 {
			log.Get().Warnf("the plugin library %q failed to load any plugins", absPath)
		}
		return native, nil
	}

	return loaded, nil
}

// receivePlugins gathers the descriptors a just-opened library
// contributed: first checking whether this handle was already archived
// by an earlier Loader (so descriptors can be reused instead of being
// re-registered), then draining whatever the current-protocol
// registration hook deposited into the dynamic registry, and only if
// that is empty, probing the legacy hook.
func (l *Loader) receivePlugins(lh *libraryHandle, p *goplugin.Plugin, path string) ([]*descriptor.Descriptor, error) {
	if archived, lapsed, found := registry.Archived.Lookup(lh.id); found {
		if lapsed > 0 {
			log.Get().Warnf("loader: %d archived descriptors for %q were already garbage collected", lapsed, path)
		}
		return archived, nil
	}

	descs := registry.Dynamic.Extract()

	if len(descs) == 0 {
		lookup := func(symbol string) (any, error) { return p.Lookup(symbol) }
		if legacyDescs, ok, err := legacy.Probe(lookup); err != nil {
			log.Get().WithError(err).Warnf("legacy registration hook failed for %q", path)
		} else if ok {
			log.Get().Warnf("the library %q is using a deprecated method for registering plugins", path)
			for i := range legacyDescs {
				descs = append(descs, &legacyDescs[i])
			}
		}
	}

	registry.Archived.Record(lh.id, descs)
	return descs, nil
}

// probeNativeSymbols is the fallback used when LoadLibrary opens a
// library that registered nothing new: the library may have been
// linked into the host at compile time, in which case its plugins were
// already registered natively and only need to be found. It looks up a
// well-known exported symbol per native plugin, playing the role that
// probing for a mangled "_ZTI<symbol>" typeinfo symbol via dlsym plays
// in the original implementation.
func (l *Loader) probeNativeSymbols(p *goplugin.Plugin) map[string]struct{} {
	found := make(map[string]struct{})
	for _, d := range registry.Native.Extract() {
		symbolName := "PluginHostTypeID_" + sanitizeSymbolName(d.Symbol)
		if _, err := p.Lookup(symbolName); err == nil {
			name := d.Name
			if name == "" {
				name = d.Symbol
			}
			found[name] = struct{}{}
		}
	}
	return found
}

func sanitizeSymbolName(symbol string) string {
	var b strings.Builder
	for _, r := range symbol {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// LookupPlugin resolves nameOrAlias to a canonical plugin name. An
// alias that refers to more than one plugin is reported as an error
// rather than resolved arbitrarily.
func (l *Loader) LookupPlugin(nameOrAlias string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.plugins[nameOrAlias]; ok {
		return nameOrAlias, nil
	}

	if names, ok := l.aliases[nameOrAlias]; ok && len(names) > 0 {
		if len(names) == 1 {
			for name := range names {
				return name, nil
			}
		}
		list := make([]string, 0, len(names))
		for name := range names {
			list = append(list, name)
		}
		sort.Strings(list)
		return "", fmt.Errorf("loader: alias %q is ambiguous between [%s]", nameOrAlias, strings.Join(list, ", "))
	}

	return "", fmt.Errorf("loader: no plugin or alias named %q", nameOrAlias)
}

// AllPlugins returns the canonical names of every plugin known to this
// Loader, sorted.
func (l *Loader) AllPlugins() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.plugins))
	for name := range l.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// InterfacesImplemented returns the demangled identities of every
// interface implemented by any plugin known to this Loader, sorted.
func (l *Loader) InterfacesImplemented() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.interfacesImplementedLocked()
}

func (l *Loader) interfacesImplementedLocked() []string {
	set := make(map[string]struct{})
	for _, d := range l.plugins {
		for iface := range d.DemangledInterfaces {
			set[iface] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for iface := range set {
		out = append(out, iface)
	}
	sort.Strings(out)
	return out
}

// PluginsImplementing returns the names of every plugin that implements
// the given interface identity. When demangled is true, interfaceName
// is matched against the human-readable form; otherwise against the
// raw symbol.
func (l *Loader) PluginsImplementing(interfaceName string, demangled bool) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	for name, d := range l.plugins {
		if demangled {
			if _, ok := d.DemangledInterfaces[interfaceName]; ok {
				out = append(out, name)
			}
		} else if _, ok := d.Interfaces[interfaceName]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// PluginsWithAlias returns every plugin name that alias resolves to. If
// alias also happens to be the canonical name of a registered plugin,
// that plugin is included too, even though the alias is then
// unambiguous in the ordinary sense -- this mirrors the original
// design's behavior of never treating "is also a real name" as a
// reason to hide a collision.
func (l *Loader) PluginsWithAlias(alias string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	set := make(map[string]struct{})
	for name := range l.aliases[alias] {
		set[name] = struct{}{}
	}
	if _, ok := l.plugins[alias]; ok {
		set[alias] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AliasesOf returns the aliases registered for the plugin with the
// given canonical name, sorted, or nil if no such plugin is known.
func (l *Loader) AliasesOf(name string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.plugins[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(d.Aliases))
	for alias := range d.Aliases {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}

// Instantiate resolves nameOrAlias and creates a new instance of that
// plugin class, returning a refcounted Handle. If the instance
// implements handle.SelfAware, it is given a weak reference to its own
// Handle before Instantiate returns.
func (l *Loader) Instantiate(nameOrAlias string) (*handle.Handle, error) {
	resolved, err := l.LookupPlugin(nameOrAlias)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	d := l.plugins[resolved]
	lh := l.pluginToHandle[resolved]
	l.mu.RUnlock()

	if d == nil {
		log.Get().Panicf("loader: resolved plugin %q is missing from the plugin table", resolved)
	}
	if d.Factory == nil {
		return nil, fmt.Errorf("loader: plugin %q has no factory and cannot be instantiated", resolved)
	}

	instance := d.Factory()

	var keepAlive func()
	if lh != nil {
		lh.liveInstances.Add(1)
		keepAlive = func() { lh.liveInstances.Add(-1) }
	}

	h := handle.New(instance, d, keepAlive)
	if aware, ok := instance.(handle.SelfAware); ok {
		aware.PluginHostSetSelfHandle(handle.NewWeakHandle(h))
	}

	return h, nil
}

// LibraryCount returns the number of distinct dynamic libraries this
// Loader has open bookkeeping for. It excludes native plugins, which
// have no associated library handle. The metrics package polls this to
// populate its libraries-loaded gauge.
func (l *Loader) LibraryCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handles)
}

// LiveInstanceCount returns the number of not-yet-released Handles
// instantiated from plugins belonging to dynamically loaded libraries.
func (l *Loader) LiveInstanceCount() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, lh := range l.handles {
		total += lh.liveInstances.Load()
	}
	return total
}

// ForgetLibrary drops every plugin this Loader received from the
// library at path from its bookkeeping. It returns false, with no
// error and no diagnostic, if path was never loaded by this Loader --
// this is also the outcome for a path whose plugins were all native,
// since a native plugin is tied to the host binary and can never be
// forgotten (spec, Open Question: ForgetLibrary on a native library).
func (l *Loader) ForgetLibrary(path string) bool {
	absPath, err := filepath.Abs(pluginpath.Resolve(path))
	if err != nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lh, ok := l.handles[handleID(absPath)]
	if !ok {
		return false
	}
	return l.forgetByHandleLocked(lh)
}

// ForgetLibraryOfPlugin resolves nameOrAlias and forgets the entire
// library it came from.
func (l *Loader) ForgetLibraryOfPlugin(nameOrAlias string) bool {
	resolved, err := l.LookupPlugin(nameOrAlias)
	if err != nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lh, ok := l.pluginToHandle[resolved]
	if !ok || lh == nil {
		return false
	}
	return l.forgetByHandleLocked(lh)
}

// forgetByHandleLocked must be called with l.mu held. It removes alias
// entries before plugin entries -- while it doesn't matter for teardown
// ordering in Go the way it did for the deleter/dlHandle ordering in
// the original, keeping the same order keeps this code easy to compare
// against its source.
func (l *Loader) forgetByHandleLocked(lh *libraryHandle) bool {
	names, ok := l.handleToPlugins[lh.id]
	if !ok {
		return false
	}

	for name := range names {
		d, ok := l.plugins[name]
		if !ok {
			continue
		}
		for alias := range d.Aliases {
			if set, ok := l.aliases[alias]; ok {
				delete(set, name)
				if len(set) == 0 {
					delete(l.aliases, alias)
				}
			}
		}
	}

	for name := range names {
		delete(l.plugins, name)
		delete(l.pluginToHandle, name)
	}

	delete(l.handleToPlugins, lh.id)
	delete(l.handles, lh.id)
	return true
}

// PrettyPrint renders a human-readable summary of this Loader's state:
// every known interface, every known plugin with its aliases and
// interfaces, and any alias that collides between more than one
// plugin.
func (l *Loader) PrettyPrint() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintln(&b, "Loader State")

	interfaces := l.interfacesImplementedLocked()
	fmt.Fprintf(&b, "\tKnown Interfaces: %d\n", len(interfaces))
	for _, iface := range interfaces {
		fmt.Fprintf(&b, "\t\t%s\n", iface)
	}

	names := make([]string, 0, len(l.plugins))
	for name := range l.plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(&b, "\tKnown Plugins: %d\n", len(names))
	for _, name := range names {
		d := l.plugins[name]
		fmt.Fprintf(&b, "\t\t[%s]\n", name)

		if len(d.Aliases) > 0 {
			word := "aliases"
			if len(d.Aliases) == 1 {
				word = "alias"
			}
			fmt.Fprintf(&b, "\t\t\thas %d %s:\n", len(d.Aliases), word)
			aliasNames := make([]string, 0, len(d.Aliases))
			for alias := range d.Aliases {
				aliasNames = append(aliasNames, alias)
			}
			sort.Strings(aliasNames)
			for _, alias := range aliasNames {
				fmt.Fprintf(&b, "\t\t\t\t[%s]\n", alias)
			}
		} else {
			fmt.Fprint(&b, "\t\t\thas no aliases\n")
		}

		word := "interfaces"
		if len(d.DemangledInterfaces) == 1 {
			word = "interface"
		}
		fmt.Fprintf(&b, "\t\t\timplements %d %s:\n", len(d.DemangledInterfaces), word)
		ifaceNames := make([]string, 0, len(d.DemangledInterfaces))
		for iface := range d.DemangledInterfaces {
			ifaceNames = append(ifaceNames, iface)
		}
		sort.Strings(ifaceNames)
		for _, iface := range ifaceNames {
			fmt.Fprintf(&b, "\t\t\t\t%s\n", iface)
		}
	}

	var collisions []string
	for alias, owners := range l.aliases {
		if len(owners) > 1 {
			collisions = append(collisions, alias)
		}
	}
	sort.Strings(collisions)

	if len(collisions) > 0 {
		word, verb := "aliases", "are"
		if len(collisions) == 1 {
			word, verb = "alias", "is"
		}
		fmt.Fprintf(&b, "\tThere %s %d %s with a name collision:\n", verb, len(collisions), word)
		for _, alias := range collisions {
			fmt.Fprintf(&b, "\t\t[%s] collides between:\n", alias)
			owners := make([]string, 0, len(l.aliases[alias]))
			for name := range l.aliases[alias] {
				owners = append(owners, name)
			}
			sort.Strings(owners)
			for _, name := range owners {
				fmt.Fprintf(&b, "\t\t\t[%s]\n", name)
			}
		}
	}

	fmt.Fprintln(&b)
	return b.String()
}
