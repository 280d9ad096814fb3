// Command pluginhost is a small operator tool for exercising a Loader
// against real plugin libraries on disk: load one, list what it made
// available, and query it, without writing a throwaway Go program each
// time. Modeled on tyk's own "plugin load" debugging subcommand.
package main

import (
	"fmt"
	"os"
	"strings"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tyklabs/pluginhost/internal/buildinfo"
	"github.com/tyklabs/pluginhost/loader"
	"github.com/tyklabs/pluginhost/log"
	"github.com/tyklabs/pluginhost/metrics"
)

func main() {
	app := kingpin.New("pluginhost", "Load and inspect native Go plugin libraries.")
	app.Version(buildinfo.Prefixed())

	l := loader.New()

	reg := prometheus.NewRegistry()
	if m, err := metrics.New(reg, l); err != nil {
		log.Get().WithError(err).Warn("failed to register metrics")
	} else {
		l.AttachMetrics(m)
	}

	loadCmd := app.Command("load", "Load a plugin library and print the plugins it registered.")
	loadPath := loadCmd.Arg("path", "Path to the compiled plugin library (.so)").Required().String()

	listCmd := app.Command("list", "List every plugin currently known to the loader.")

	interfacesCmd := app.Command("interfaces", "List every interface implemented by a known plugin.")

	instantiateCmd := app.Command("instantiate", "Instantiate a plugin by name or alias and report success.")
	instantiateName := instantiateCmd.Arg("name", "Plugin name or alias").Required().String()

	forgetCmd := app.Command("forget", "Forget the library backing a plugin by name or alias.")
	forgetName := forgetCmd.Arg("name", "Plugin name or alias").Required().String()

	cmd, err := app.Parse(os.Args[1:])
	if err != nil {
		app.FatalUsage("%v", err)
	}

	switch cmd {
	case loadCmd.FullCommand():
		loaded, err := l.LoadLibrary(*loadPath)
		if err != nil {
			log.Get().WithError(err).Fatalf("failed to load %q", *loadPath)
		}
		names := make([]string, 0, len(loaded))
		for name := range loaded {
			names = append(names, name)
		}
		fmt.Printf("loaded %d plugin(s) from %s: %s\n", len(names), *loadPath, strings.Join(names, ", "))

	case listCmd.FullCommand():
		fmt.Print(l.PrettyPrint())

	case interfacesCmd.FullCommand():
		for _, iface := range l.InterfacesImplemented() {
			fmt.Println(iface)
		}

	case instantiateCmd.FullCommand():
		h, err := l.Instantiate(*instantiateName)
		if err != nil {
			log.Get().WithError(err).Fatalf("failed to instantiate %q", *instantiateName)
		}
		defer h.Release()
		fmt.Printf("instantiated %q ok\n", *instantiateName)

	case forgetCmd.FullCommand():
		if !l.ForgetLibraryOfPlugin(*forgetName) {
			log.Get().Fatalf("could not forget the library backing %q", *forgetName)
		}
		fmt.Printf("forgot the library backing %q\n", *forgetName)
	}
}
