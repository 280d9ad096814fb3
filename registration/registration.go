// Package registration is the two-way contract between a plugin library
// and the host described in spec §4.1 and §6. Plugin authors call
// Register (typically from an init() function, which the Go runtime runs
// for every package in a .so the moment plugin.Open loads it) and retain
// the returned handle to pass to Unregister when a Loader forgets the
// library.
package registration

import (
	"fmt"
	"unsafe"

	"github.com/google/uuid"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/tyklabs/pluginhost/descriptor"
	"github.com/tyklabs/pluginhost/internal/registry"
	"github.com/tyklabs/pluginhost/log"
)

// Handle is the opaque token a Register call returns. The library that
// registered a descriptor must retain the Handle and pass it back to
// Unregister during its own unload so the archive entry for that
// descriptor can be cleaned up (§4.1, §5c).
type Handle struct {
	id uuid.UUID
	d  *descriptor.Descriptor
}

// Register deposits d into whichever of the native or dynamic registry
// the current mode flag selects, after validating that d's wire layout
// matches what this build of the host expects. It is the "registration
// hook" export of §6.
//
// Registering a symbol that already exists in the target table merges
// interfaces and aliases into the existing descriptor rather than
// overwriting it (§4.1): the same plugin class may be registered from
// multiple translation units, sorry, source files, of the same library.
func Register(d descriptor.Descriptor) (Handle, error) {
	return RegisterWithABI(d, unsafe.Sizeof(d), unsafe.Alignof(d))
}

// RegisterWithABI is Register with the sizeof/alignof arguments made
// explicit, exactly as the wire contract in §6 specifies. Register is a
// thin wrapper over this using the host's own compiled-in expectations;
// callers simulating an ABI-skewed legacy library call this directly.
func RegisterWithABI(d descriptor.Descriptor, size, align uintptr) (Handle, error) {
	wantSize, wantAlign := unsafe.Sizeof(descriptor.Descriptor{}), unsafe.Alignof(descriptor.Descriptor{})
	if size != wantSize || align != wantAlign {
		registry.SetRegistrationOkay(false)
		err := fmt.Errorf(
			"registration: descriptor %q has ABI size/alignment %d/%d, host expects %d/%d",
			d.Symbol, size, align, wantSize, wantAlign)
		log.Get().WithError(err).Warn("skipping descriptor with mismatched ABI")
		return Handle{}, err
	}

	if d.Name == "" {
		d.Name = descriptor.DemangleSymbol(d.Symbol)
	}

	if err := d.Validate(); err != nil {
		registry.SetRegistrationOkay(false)
		log.Get().WithError(err).Warn("skipping invalid descriptor")
		return Handle{}, err
	}

	stored := registry.TargetTable().Upsert(d)
	return Handle{id: uuid.New(), d: stored}, nil
}

// RegisterAlias adds one or more aliases to an already-registered
// descriptor without touching its interfaces, mirroring
// Registrar::RegisterAlias in the original design: it is the mechanism
// behind a plugin declaring extra names for itself from a second
// registration site.
func RegisterAlias(symbol string, aliases ...string) error {
	d := descriptor.New(symbol)
	for _, a := range aliases {
		d.Aliases[a] = struct{}{}
	}
	_, err := Register(d)
	return err
}

// Unregister is the cleanup hook of §4.1/§6: it must be called by the
// same library that received the Handle from Register, during that
// library's unload, and it removes the archive entries that were
// recorded for the descriptor.
func Unregister(h Handle) {
	if h.d == nil {
		return
	}
	registry.Archived.Forget(h.d)
}

// RegisterBatch registers every descriptor in ds, collecting failures
// into a single *multierror.Error instead of aborting on the first bad
// descriptor -- per §4.1, "failure of any single descriptor does not
// abort others."
func RegisterBatch(ds []descriptor.Descriptor) ([]Handle, error) {
	handles := make([]Handle, 0, len(ds))
	var result *multierror.Error
	for _, d := range ds {
		h, err := Register(d)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		handles = append(handles, h)
	}
	return handles, result.ErrorOrNil()
}
