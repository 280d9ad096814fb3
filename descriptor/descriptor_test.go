package descriptor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tyklabs/pluginhost/descriptor"
)

type dummyInterface interface {
	Output() string
}

func TestValidateRequiresSymbol(t *testing.T) {
	d := descriptor.New("")
	assert.Error(t, d.Validate())
}

func TestValidateRejectsNilUpcast(t *testing.T) {
	d := descriptor.New("dummy.Plugin")
	d.Interfaces["dummy.Interface"] = nil
	assert.Error(t, d.Validate())
}

func TestValidateRequiresFactoryDeleterPair(t *testing.T) {
	d := descriptor.New("dummy.Plugin")
	d.Factory = func() any { return struct{}{} }
	assert.Error(t, d.Validate())
}

func TestValidateRejectsAliasEqualToName(t *testing.T) {
	d := descriptor.New("dummy.Plugin")
	d.Name = "dummy"
	d.Aliases["dummy"] = struct{}{}
	assert.Error(t, d.Validate())
}

func TestMergeUnionsInterfacesAndAliases(t *testing.T) {
	a := descriptor.New("dummy.Plugin")
	a.Interfaces["dummy.A"] = func(i any) any { return i }
	a.Aliases["one"] = struct{}{}

	b := descriptor.New("dummy.Plugin")
	b.Interfaces["dummy.B"] = func(i any) any { return i }
	b.Aliases["two"] = struct{}{}

	a.Merge(b)

	assert.Len(t, a.Interfaces, 2)
	assert.Len(t, a.Aliases, 2)
	assert.Contains(t, a.Aliases, "one")
	assert.Contains(t, a.Aliases, "two")
}

func TestMergeNeverDropsExistingInterface(t *testing.T) {
	original := func(i any) any { return i }
	a := descriptor.New("dummy.Plugin")
	a.Interfaces["dummy.A"] = original

	b := descriptor.New("dummy.Plugin")
	b.Interfaces["dummy.A"] = func(i any) any { return nil }

	a.Merge(b)

	assert.Len(t, a.Interfaces, 1)
	got := a.Interfaces["dummy.A"](42)
	assert.Equal(t, 42, got)
}

func TestSymbolIsStablePerType(t *testing.T) {
	s1 := descriptor.Symbol[dummyInterface]()
	s2 := descriptor.Symbol[dummyInterface]()
	assert.Equal(t, s1, s2)
	assert.NotEmpty(t, s1)
}

func TestDemangleSymbolStripsVersionSegment(t *testing.T) {
	got := descriptor.DemangleSymbol("github.com/example/module/v2.Plugin")
	assert.Equal(t, "github.com/example/module.Plugin", got)
}

func TestDemangleSymbolStripsVersionFusedWithTypeName(t *testing.T) {
	got := descriptor.DemangleSymbol("github.com/example/module/v10.Plugin")
	assert.Equal(t, "github.com/example/module.Plugin", got)
}

func TestDemangleSymbolLeavesUnversionedSymbolUnchanged(t *testing.T) {
	got := descriptor.DemangleSymbol("github.com/example/module.Plugin")
	assert.Equal(t, "github.com/example/module.Plugin", got)
}

func TestDemangleSymbolLeavesBuiltinTypeUnchanged(t *testing.T) {
	got := descriptor.DemangleSymbol("int")
	assert.Equal(t, "int", got)
}
