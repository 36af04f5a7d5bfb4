package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/vforsh/argus/internal/registry"
)

const pruneStaleTTL = 5 * time.Minute

// NewRegistryCommand builds the `argus registry` command group.
func NewRegistryCommand(streams iooption.IOStreams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect and prune the local watcher registry",
	}

	cmd.AddCommand(newRegistryListCommand(streams))
	cmd.AddCommand(newRegistryPruneCommand(streams))

	return cmd
}

func openDefaultRegistry() (*registry.Registry, error) {
	home := os.Getenv("ARGUS_HOME")
	if path := os.Getenv("ARGUS_REGISTRY_PATH"); path != "" {
		return registry.NewAtPath(path)
	}
	if home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = dir + "/.argus"
	}
	return registry.New(home)
}

func newRegistryListCommand(streams iooption.IOStreams) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Short:   "List watchers currently recorded in the registry",
		Long:    templates.LongDesc(`List every watcher entry in the registry, including stale ones.`),
		Example: templates.Examples(`argus registry ls`),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openDefaultRegistry()
			if err != nil {
				return err
			}

			file, warnings := reg.Read()
			for _, w := range warnings {
				fmt.Fprintf(streams.ErrOut, "warning: %s\n", w.Message)
			}

			tw := tabwriter.NewWriter(streams.Out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPID\tHOST\tPORT\tSTARTED\tMATCH")
			for _, rec := range file.Watchers {
				started := time.UnixMilli(rec.StartedAt).Format(time.RFC3339)
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%v\n", rec.ID, rec.PID, rec.Host, rec.Port, started, rec.MatchSpec)
			}
			return tw.Flush()
		},
	}
}

func newRegistryPruneCommand(streams iooption.IOStreams) *cobra.Command {
	var reachability bool

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Remove stale or unreachable watcher entries",
		Long:    templates.LongDesc(`Remove registry entries that have exceeded the heartbeat TTL, optionally also probing each remaining entry's /status.`),
		Example: templates.Examples("argus registry prune\nargus registry prune --reachability"),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openDefaultRegistry()
			if err != nil {
				return err
			}

			if err := reg.PruneStale(time.Now(), pruneStaleTTL); err != nil {
				return fmt.Errorf("prune stale entries: %w", err)
			}

			if reachability {
				if err := reg.PruneUnreachable(probeStatus); err != nil {
					return fmt.Errorf("prune unreachable entries: %w", err)
				}
			}

			fmt.Fprintln(streams.Out, "registry pruned")
			return nil
		},
	}

	cmd.Flags().BoolVar(&reachability, "reachability", false, "also probe each remaining watcher's /status before keeping it")
	return cmd
}

// probeStatus implements registry.ReachabilityProbe by hitting the
// watcher's own /status with a 2s timeout (spec §4.6).
func probeStatus(rec registry.WatcherRecord) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/status", rec.Host, rec.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
