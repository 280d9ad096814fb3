package loader_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyklabs/pluginhost/descriptor"
	"github.com/tyklabs/pluginhost/handle"
	"github.com/tyklabs/pluginhost/internal/registry"
	"github.com/tyklabs/pluginhost/loader"
	"github.com/tyklabs/pluginhost/metrics"
)

type greeter interface {
	Greet() string
}

type greeterImpl struct{}

func (g *greeterImpl) Greet() string { return "hello" }

func seedNative(t *testing.T, name string, aliases ...string) descriptor.Descriptor {
	t.Helper()
	d := descriptor.New("loader_test." + name)
	d.Name = name
	for _, a := range aliases {
		d.Aliases[a] = struct{}{}
	}
	symbol := descriptor.Symbol[greeter]()
	d.Interfaces[symbol] = func(i any) any { return i.(greeter) }
	d.DemangledInterfaces[descriptor.DemangleSymbol(symbol)] = struct{}{}
	d.Factory = func() any { return &greeterImpl{} }
	d.Deleter = func(any) {}
	registry.Native.Upsert(d)
	return d
}

func TestNewPopulatesFromNativeRegistry(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	seedNative(t, "Alpha", "a1")

	l := loader.New()
	assert.Equal(t, []string{"Alpha"}, l.AllPlugins())
	assert.Contains(t, l.InterfacesImplemented(), descriptor.DemangleSymbol(descriptor.Symbol[greeter]()))
}

func TestLookupPluginResolvesExactNameAndUniqueAlias(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	seedNative(t, "Beta", "b1")
	l := loader.New()

	name, err := l.LookupPlugin("Beta")
	require.NoError(t, err)
	assert.Equal(t, "Beta", name)

	name, err = l.LookupPlugin("b1")
	require.NoError(t, err)
	assert.Equal(t, "Beta", name)
}

func TestLookupPluginReportsAmbiguousAlias(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	seedNative(t, "Gamma", "shared")
	seedNative(t, "Delta", "shared")
	l := loader.New()

	_, err := l.LookupPlugin("shared")
	assert.Error(t, err)
}

func TestLookupPluginReportsUnknownName(t *testing.T) {
	l := loader.New()
	_, err := l.LookupPlugin("nonexistent")
	assert.Error(t, err)
}

func TestPluginsWithAliasIncludesAliasThatIsAlsoACanonicalName(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	seedNative(t, "Epsilon")
	epsilonAsAlias := descriptor.New("loader_test.Zeta")
	epsilonAsAlias.Name = "Zeta"
	epsilonAsAlias.Aliases["Epsilon"] = struct{}{}
	registry.Native.Upsert(epsilonAsAlias)

	l := loader.New()
	result := l.PluginsWithAlias("Epsilon")
	assert.Contains(t, result, "Epsilon")
	assert.Contains(t, result, "Zeta")
}

func TestInstantiateCreatesAWorkingHandle(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	seedNative(t, "Eta")
	l := loader.New()

	h, err := l.Instantiate("Eta")
	require.NoError(t, err)
	defer h.Release()

	g, ok := handle.QueryInterface[greeter](h)
	require.True(t, ok)
	assert.Equal(t, "hello", g.Greet())
}

func TestForgetLibraryOfNativePluginIsANoop(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	seedNative(t, "Theta")
	l := loader.New()

	assert.False(t, l.ForgetLibraryOfPlugin("Theta"))
	assert.Contains(t, l.AllPlugins(), "Theta")
}

func TestForgetLibraryOnUnknownPathReturnsFalse(t *testing.T) {
	l := loader.New()
	assert.False(t, l.ForgetLibrary("/no/such/library.so"))
}

func TestPrettyPrintIncludesKnownPlugins(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	seedNative(t, "Iota", "i1")
	l := loader.New()

	out := l.PrettyPrint()
	assert.Contains(t, out, "Loader State")
	assert.Contains(t, out, "[Iota]")
	assert.Contains(t, out, "[i1]")
}

func TestPrettyPrintReportsNoAliasesWithConsistentIndentation(t *testing.T) {
	registry.Native.Clear()
	defer registry.Native.Clear()

	seedNative(t, "Kappa")
	l := loader.New()

	out := l.PrettyPrint()
	assert.Contains(t, out, "\t\t\thas no aliases\n")
}

func TestAttachedMetricsObserveLoadDurationOnFailedLoad(t *testing.T) {
	l := loader.New()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, l)
	require.NoError(t, err)
	l.AttachMetrics(m)

	_, loadErr := l.LoadLibrary("/no/such/plugin.so")
	require.Error(t, loadErr)

	count, err := testutil.GatherAndCount(reg, "pluginhost_library_load_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	var samples uint64
	for _, mf := range families {
		if mf.GetName() == "pluginhost_library_load_duration_seconds" {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(1), samples)
}
