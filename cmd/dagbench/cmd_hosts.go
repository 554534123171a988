package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/corvohq/dagbench/internal/config"
	"github.com/corvohq/dagbench/internal/lifecycle"
	"github.com/corvohq/dagbench/internal/remote"
	"github.com/corvohq/dagbench/internal/resolver"
)

var (
	installTimeout time.Duration
	updateTimeout  time.Duration
	updateAttack   string
	killDeleteLogs bool
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "List testbed hosts by region with ssh command lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := loadSettings()
		if err != nil {
			return err
		}
		regions, byRegion := s.Regions()
		fmt.Printf("Repository: %s (%s, branch %s)\n", s.Repo.Name, s.Repo.URL, s.Repo.Branch)
		fmt.Printf("Hosts: %d\n", len(s.Hosts))
		for _, region := range regions {
			fmt.Printf("\nRegion %s:\n", region)
			for i, h := range byRegion[region] {
				fmt.Printf("  %d  ssh -i %s -p %d %s@%s\n", i, s.KeyPath, h.Port, h.Username, h.IP())
			}
		}
		return nil
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the toolchain and clone the repository on every host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		s, err := loadSettings()
		if err != nil {
			return err
		}
		pool, err := openPool(s, installTimeout)
		if err != nil {
			return err
		}
		defer pool.Close()

		reachable := checkHosts(ctx, pool, s.Hosts)
		if len(reachable) == 0 {
			return fmt.Errorf("no reachable hosts")
		}
		slog.Info("installing", "hosts", len(reachable), "unreachable", len(s.Hosts)-len(reachable))
		_, err = remote.RunOnHosts(ctx, pool, reachable, remote.Static(lifecycle.Install(s.Repo)), remote.Strict)
		if err != nil {
			return err
		}
		slog.Info("install finished", "hosts", len(reachable))
		return nil
	},
}

// checkHosts returns the hosts whose SSH transport could be opened.
func checkHosts(ctx context.Context, pool *remote.Pool, hosts []config.Host) []config.Host {
	ok := make([]bool, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h config.Host) {
			defer wg.Done()
			if err := pool.Check(ctx, h); err != nil {
				slog.Warn("host unreachable; skipping", "host", h.String(), "error", err)
				return
			}
			ok[i] = true
		}(i, h)
	}
	wg.Wait()
	var out []config.Host
	for i, h := range hosts {
		if ok[i] {
			out = append(out, h)
		}
	}
	return out
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Pull and rebuild the benchmarked repository on every host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		s, err := loadSettings()
		if err != nil {
			return err
		}
		pool, err := openPool(s, updateTimeout)
		if err != nil {
			return err
		}
		defer pool.Close()

		switch updateAttack {
		case "":
		case "on", "off":
			toggle := remote.Static(lifecycle.SetAttack(s.Repo.Name, updateAttack == "on"))
			outs, _ := remote.RunOnHosts(ctx, pool, s.Hosts, toggle, remote.Tolerant)
			for _, r := range outs {
				switch {
				case r.Err == nil && r.ExitCode == lifecycle.AttackFileMissing:
					slog.Warn("attack source not found; toggle unchanged", "host", r.Host.Hostname)
				case r.Failed():
					return &remote.RemoteError{Command: toggle(r.Host), Failures: []remote.Result{r}}
				}
			}
		default:
			return fmt.Errorf("--attack must be on or off, got %q", updateAttack)
		}

		slog.Info("updating", "hosts", len(s.Hosts), "branch", s.Repo.Branch)
		if _, err := remote.RunOnHosts(ctx, pool, s.Hosts, remote.Static(lifecycle.Update(s.Repo)), remote.Strict); err != nil {
			return err
		}
		slog.Info("update finished", "hosts", len(s.Hosts))
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill [hosts...]",
	Short: "Stop every benchmark process on the given hosts (default: all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		s, err := loadSettings()
		if err != nil {
			return err
		}
		hosts, err := s.ResolveHostArgs(args)
		if err != nil {
			return err
		}
		pool, err := openPool(s, 0)
		if err != nil {
			return err
		}
		defer pool.Close()

		ctl := newController(s, pool, resolver.Resolver{})
		failed := 0
		for _, r := range ctl.Kill(ctx, hosts, lifecycle.KillOptions{DeleteLogs: killDeleteLogs}) {
			if r.Failed() {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("kill failed on %d of %d host(s)", failed, len(hosts))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [hosts...]",
	Short: "Show running benchmark processes per host",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		s, err := loadSettings()
		if err != nil {
			return err
		}
		hosts, err := s.ResolveHostArgs(args)
		if err != nil {
			return err
		}
		pool, err := openPool(s, 0)
		if err != nil {
			return err
		}
		defer pool.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "HOST\tPRIMARY\tWORKER\tCLIENT\tSTATE")
		for _, st := range newController(s, pool, resolver.Resolver{}).Status(ctx, hosts) {
			if st.Err != nil {
				fmt.Fprintf(w, "%s\t-\t-\t-\terror: %v\n", st.Host.Hostname, st.Err)
				continue
			}
			state := "idle"
			if st.Running() {
				state = "running"
			}
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", st.Host.Hostname, st.Primaries, st.Workers, st.Clients, state)
		}
		return w.Flush()
	},
}

func init() {
	installCmd.Flags().DurationVar(&installTimeout, "timeout", 30*time.Minute, "Per-host bound on the install command")
	updateCmd.Flags().DurationVar(&updateTimeout, "timeout", 20*time.Minute, "Per-host bound on the update command")
	updateCmd.Flags().StringVar(&updateAttack, "attack", "", "Set the network-interrupt toggle before building (on, off)")
	killCmd.Flags().BoolVar(&killDeleteLogs, "delete-logs", false, "Also delete remote logs")

	rootCmd.AddCommand(infoCmd, installCmd, updateCmd, killCmd, statusCmd)
}
