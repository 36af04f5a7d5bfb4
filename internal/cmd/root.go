package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cliflag "github.com/tomasbasham/cli-runtime/flag"
	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/printer"
	"github.com/tomasbasham/cli-runtime/templates"
)

var (
	rootLong = templates.LongDesc(`
		argus attaches to a running Chromium-based browser over the
		DevTools Protocol and exposes its console logs, network activity,
		and page control surface over a local HTTP API.`)

	rootExamples = templates.Examples(`
		# Attach to a tab whose URL contains localhost:3000
		argus watch --match-url=localhost:3000

		# List running watchers
		argus registry ls`)

	// Injected at build time using ldflags.
	version = ""
	commit  = ""
)

// ArgusOptions defines the options shared by every `argus` subcommand.
type ArgusOptions struct {
	iooption.IOStreams
}

// NewArgusOptions provides an initialised ArgusOptions instance.
func NewArgusOptions(streams iooption.IOStreams) *ArgusOptions {
	return &ArgusOptions{
		IOStreams: streams,
	}
}

// NewRootCommand creates the `argus` command with default arguments.
func NewRootCommand() *cobra.Command {
	options := NewArgusOptions(iooption.IOStreams{
		In:     os.Stdin,
		Out:    os.Stdout,
		ErrOut: os.Stderr,
	})

	return NewRootCommandWithArgs(options)
}

// NewRootCommandWithArgs creates the `argus` command and its nested
// children.
func NewRootCommandWithArgs(o *ArgusOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "argus [command]",
		Version:               versionInfo(),
		DisableFlagsInUseLine: true,
		Short:                 "Local observability control plane for Chromium browsers",
		Long:                  rootLong,
		Example:               rootExamples,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}

	printerOpts := printer.WarningPrinterOptions{Color: true}
	printer := printer.NewWarningPrinter(o.ErrOut, printerOpts)
	cmd.SetGlobalNormalizationFunc(cliflag.WarnWordSepNormalizeFunc(printer))

	cmd.AddCommand(NewWatchCommand(NewWatchOptions(o.IOStreams)))
	cmd.AddCommand(NewRegistryCommand(o.IOStreams))

	// The global normalisation function ensures that all flags specified
	// meet the desired format, changing users' input if necessary.
	cmd.SetGlobalNormalizationFunc(cliflag.WordSepNormalizeFunc())

	return cmd
}

func versionInfo() string {
	if version == "" {
		return ""
	}
	return fmt.Sprintf("%s (commit: %s)", version, commit)
}
