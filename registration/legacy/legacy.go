// Package legacy migrates the v1 wire shape of the registration protocol,
// grounded on the original IgnitionPluginHook_v1/info_v1::Info design,
// into the current descriptor.Descriptor. A library built against an
// older revision of this module still exports the v1 hook; the Loader
// probes for it only after the current hook symbol comes up empty
// (spec §6, "protocol versioning").
package legacy

import (
	"fmt"
	"unsafe"

	"github.com/tyklabs/pluginhost/descriptor"
	"github.com/tyklabs/pluginhost/log"
)

// HookSymbol is the exported name a v1 plugin library uses for its
// registration hook, kept distinct from the current hook's symbol so a
// library can be probed for either without ambiguity.
const HookSymbol = "PluginHostHookV1"

// Descriptor is the v1 wire shape. It predates the demangled-interfaces
// convenience field, and its interfaces map is keyed by the same raw
// symbol strings the current Descriptor uses.
type Descriptor struct {
	Symbol     string
	Name       string
	Aliases    []string
	Interfaces map[string]descriptor.UpcastFunc
}

// HookFunc is the signature a v1 plugin library's HookSymbol export must
// satisfy. size and align let the host detect a v1.Descriptor that was
// compiled against a different layout than the one this build expects,
// mirroring the size_t/alignof pair the original hook passed alongside
// its Info struct.
type HookFunc func() (items []Descriptor, size, align uintptr)

// Migrate converts a v1 descriptor into the current wire shape. It
// derives DemangledInterfaces from the interface keys and, when Name is
// empty, fills it with the demangled Symbol. Factory and Deleter stay
// nil, since the v1 shape carries neither.
func Migrate(d Descriptor) descriptor.Descriptor {
	out := descriptor.New(d.Symbol)
	out.Name = d.Name
	if out.Name == "" {
		out.Name = descriptor.DemangleSymbol(out.Symbol)
	}
	for _, a := range d.Aliases {
		out.Aliases[a] = struct{}{}
	}
	for symbol, up := range d.Interfaces {
		out.Interfaces[symbol] = up
		out.DemangledInterfaces[descriptor.DemangleSymbol(symbol)] = struct{}{}
	}
	return out
}

// Lookup resolves a named symbol exported by a plugin library. The
// loader package supplies this as a thin wrapper over
// (*plugin.Plugin).Lookup so this package stays independent of the
// stdlib plugin type.
type Lookup func(symbol string) (any, error)

// Probe looks up HookSymbol via lookup, validates its wire layout, and
// migrates every descriptor it reports. It returns ok=false, with no
// error, when the library simply doesn't export the legacy hook at
// all -- that is the expected case for every library built against the
// current protocol, so it is not treated as a failure.
func Probe(lookup Lookup) (migrated []descriptor.Descriptor, ok bool, err error) {
	sym, lookupErr := lookup(HookSymbol)
	if lookupErr != nil {
		return nil, false, nil
	}

	hook, isHook := sym.(HookFunc)
	if !isHook {
		if ptr, isPtr := sym.(*HookFunc); isPtr && ptr != nil {
			hook = *ptr
		} else {
			return nil, false, fmt.Errorf("legacy: %s exported but is not a legacy.HookFunc", HookSymbol)
		}
	}

	items, size, align := hook()

	wantSize, wantAlign := unsafe.Sizeof(Descriptor{}), unsafe.Alignof(Descriptor{})
	if size != wantSize || align != wantAlign {
		return nil, true, fmt.Errorf(
			"legacy: %s reports ABI size/alignment %d/%d, host expects %d/%d",
			HookSymbol, size, align, wantSize, wantAlign)
	}

	migrated = make([]descriptor.Descriptor, 0, len(items))
	for _, item := range items {
		if item.Symbol == "" {
			log.Get().Warn("legacy: skipping v1 descriptor with empty symbol")
			continue
		}
		migrated = append(migrated, Migrate(item))
	}
	return migrated, true, nil
}
