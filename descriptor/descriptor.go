// Package descriptor defines the immutable record a plugin library
// produces for one plugin class, along with the merge and validation
// rules the registration protocol applies to it.
package descriptor

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// UpcastFunc adjusts a type-erased instance into a type-erased interface
// value. Under Go there is no pointer-offset adjustment to perform, but
// the function-per-interface shape is kept for parity with hosts that do
// need one, and so that a failed assertion has a single place to fail.
type UpcastFunc func(instance any) any

// Descriptor is the metadata record produced by registration for one
// plugin class. See the field comments for the invariants Validate
// enforces.
type Descriptor struct {
	// Symbol is the opaque, host-language type identity for the plugin
	// class. It is the primary key under which descriptors are stored
	// and merged.
	Symbol string

	// Name is the human-readable form of Symbol, filled in by the host
	// after it receives the descriptor (see registration.Register).
	Name string

	// Aliases are alternative lookup names for the plugin, unique
	// within this descriptor but not necessarily globally unique.
	Aliases map[string]struct{}

	// Interfaces maps an interface identity string to the function that
	// upcasts an instance into that interface.
	Interfaces map[string]UpcastFunc

	// DemangledInterfaces mirrors the keys of Interfaces in
	// human-readable form.
	DemangledInterfaces map[string]struct{}

	// Factory allocates a new, untyped instance of the plugin class.
	Factory func() any

	// Deleter destroys an instance allocated by Factory. It must be
	// invoked by the same library that allocated the instance.
	Deleter func(any)
}

// New returns an empty Descriptor with its maps allocated.
func New(symbol string) Descriptor {
	return Descriptor{
		Symbol:              symbol,
		Aliases:             map[string]struct{}{},
		Interfaces:          map[string]UpcastFunc{},
		DemangledInterfaces: map[string]struct{}{},
	}
}

// Validate enforces the invariants of §3: Symbol is non-empty, every
// interface has a non-nil upcast function, Factory and Deleter are either
// both set or both nil, and no alias duplicates Name.
func (d *Descriptor) Validate() error {
	if d.Symbol == "" {
		return errors.New("descriptor: symbol must not be empty")
	}
	for iface, fn := range d.Interfaces {
		if fn == nil {
			return fmt.Errorf("descriptor %q: interface %q has a nil upcast function", d.Symbol, iface)
		}
	}
	if (d.Factory == nil) != (d.Deleter == nil) {
		return fmt.Errorf("descriptor %q: factory and deleter must both be set or both be nil", d.Symbol)
	}
	if d.Name != "" {
		if _, dup := d.Aliases[d.Name]; dup {
			return fmt.Errorf("descriptor %q: alias %q duplicates the plugin's own name", d.Symbol, d.Name)
		}
	}
	return nil
}

// Merge folds other into d in place, implementing the "registering the
// same descriptor twice merges" semantics of §4.1: interfaces and aliases
// are unioned, nothing already present is dropped.
func (d *Descriptor) Merge(other Descriptor) {
	for iface, fn := range other.Interfaces {
		if _, exists := d.Interfaces[iface]; !exists {
			d.Interfaces[iface] = fn
		}
	}
	for iface := range other.DemangledInterfaces {
		d.DemangledInterfaces[iface] = struct{}{}
	}
	for alias := range other.Aliases {
		d.Aliases[alias] = struct{}{}
	}
	if d.Name == "" {
		d.Name = other.Name
	}
	if d.Factory == nil && other.Factory != nil {
		d.Factory = other.Factory
		d.Deleter = other.Deleter
	}
}

// Clear resets the descriptor to its zero value.
func (d *Descriptor) Clear() {
	*d = Descriptor{}
}

// Symbol returns pkgpath.TypeName for T, the Go analogue of a mangled
// type-info name: stable across a process's lifetime and unique per type,
// but never actually mangled since Go has no ABI name mangling to invert.
func Symbol[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

// DemangleSymbol formats a Symbol()-produced identity for human
// consumption. Go performs no name mangling, so this only trims module
// version suffixes such as "/v2" from the package path. A Symbol always
// takes the shape "pkgpath.Type" (or just "Type" with no package path at
// all), and the type name itself never contains a "/" or a ".", so the
// last "." in the string, if any, is what separates the path from the
// type -- a "vN" module version segment always lands as the last "/"
// -delimited element of the path half, fused directly against the type
// name (".../module/v2.Plugin"), never as its own path element.
func DemangleSymbol(symbol string) string {
	pkgPath, typeName := symbol, ""
	if i := strings.LastIndex(symbol, "."); i != -1 {
		pkgPath, typeName = symbol[:i], symbol[i:]
	}

	parts := strings.Split(pkgPath, "/")
	for i, p := range parts {
		if isVersionSegment(p) {
			parts = append(parts[:i:i], parts[i+1:]...)
			break
		}
	}
	return strings.Join(parts, "/") + typeName
}

func isVersionSegment(s string) bool {
	if len(s) < 2 || s[0] != 'v' {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
