package registration_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyklabs/pluginhost/descriptor"
	"github.com/tyklabs/pluginhost/internal/registry"
	"github.com/tyklabs/pluginhost/registration"
)

func TestRegisterDepositsIntoNativeByDefault(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	d := descriptor.New("registration_test.NativeOne")
	_, err := registration.Register(d)
	require.NoError(t, err)

	assert.Len(t, registry.Native.Extract(), 1)
}

func TestRegisterRespectsDynamicMode(t *testing.T) {
	registry.Dynamic.Clear()
	defer registry.Dynamic.Clear()

	registry.SetDynamicMode(true)
	defer registry.SetDynamicMode(false)

	d := descriptor.New("registration_test.DynamicOne")
	_, err := registration.Register(d)
	require.NoError(t, err)

	assert.Len(t, registry.Dynamic.Extract(), 1)
	assert.Empty(t, registry.Native.Extract())
}

func TestRegisterRejectsAbiSkew(t *testing.T) {
	registry.SetRegistrationOkay(true)
	d := descriptor.New("registration_test.Skewed")

	_, err := registration.RegisterWithABI(d, unsafe.Sizeof(d)+1, unsafe.Alignof(d))
	assert.Error(t, err)
	assert.False(t, registry.RegistrationOkay())
}

func TestRegisterFillsNameFromDemangledSymbolWhenEmpty(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	d := descriptor.New("github.com/example/module/v2.Widget")
	_, err := registration.Register(d)
	require.NoError(t, err)

	stored := registry.Native.Extract()
	require.Len(t, stored, 1)
	assert.Equal(t, "github.com/example/module.Widget", stored[0].Name)
}

func TestRegisterKeepsExplicitName(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	d := descriptor.New("registration_test.Named")
	d.Name = "widget"
	_, err := registration.Register(d)
	require.NoError(t, err)

	stored := registry.Native.Extract()
	require.Len(t, stored, 1)
	assert.Equal(t, "widget", stored[0].Name)
}

func TestRegisterMergesSameSymbol(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	a := descriptor.New("registration_test.Merged")
	a.Interfaces["registration_test.A"] = func(i any) any { return i }
	_, err := registration.Register(a)
	require.NoError(t, err)

	b := descriptor.New("registration_test.Merged")
	b.Interfaces["registration_test.B"] = func(i any) any { return i }
	_, err = registration.Register(b)
	require.NoError(t, err)

	stored := registry.Native.Extract()
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Interfaces, 2)
}

func TestRegisterAliasAddsWithoutTouchingInterfaces(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	d := descriptor.New("registration_test.Aliased")
	d.Interfaces["registration_test.A"] = func(i any) any { return i }
	_, err := registration.Register(d)
	require.NoError(t, err)

	require.NoError(t, registration.RegisterAlias("registration_test.Aliased", "alias-one", "alias-two"))

	stored := registry.Native.Extract()
	require.Len(t, stored, 1)
	assert.Len(t, stored[0].Interfaces, 1)
	assert.Contains(t, stored[0].Aliases, "alias-one")
	assert.Contains(t, stored[0].Aliases, "alias-two")
}

func TestUnregisterForgetsArchiveEntry(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	d := descriptor.New("registration_test.Archived")
	h, err := registration.Register(d)
	require.NoError(t, err)

	stored := registry.Native.Extract()
	require.Len(t, stored, 1)

	// Seed the archive directly with the stored descriptor, the way a
	// Loader records it after draining a library's registrations.
	registry.Archived.Record(0x9999, stored)

	registration.Unregister(h)

	_, _, found := registry.Archived.Lookup(0x9999)
	assert.False(t, found)
}

func TestRegisterBatchCollectsFailuresWithoutAborting(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	good := descriptor.New("registration_test.BatchGood")
	bad := descriptor.New("")

	handles, err := registration.RegisterBatch([]descriptor.Descriptor{good, bad})
	assert.Error(t, err)
	assert.Len(t, handles, 1)
	assert.Len(t, registry.Native.Extract(), 1)
}
