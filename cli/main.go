package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"

	"github.com/chainbench/fleetbench/bench"
	"github.com/chainbench/fleetbench/fleet"
	"github.com/chainbench/fleetbench/provider"
	"github.com/chainbench/fleetbench/remote"
	"github.com/chainbench/fleetbench/transfer"
)

var (
	flagNodes   int
	flagConfig  string
	flagDryRun  bool
	flagVerbose bool

	flagRound   int
	flagWorkers int
	flagLong    bool

	flagBlocking bool
)

// app wires the whole controller together from one config and one AWS
// config. Nothing here is a process-wide singleton; every component gets its
// clients passed in.
type app struct {
	cfg         *fleet.Config
	catalog     *fleet.Catalog
	provider    *provider.EC2
	registry    *fleet.Registry
	coordinator *remote.Coordinator
	controller  *bench.Controller
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := fleet.LoadConfig(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagNodes > 0 {
		cfg.Nodes = flagNodes
	}
	catalog := cfg.Catalog()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	userData := ""
	if cfg.UserDataPath != "" {
		buf, err := os.ReadFile(cfg.UserDataPath)
		if err != nil {
			return nil, err
		}
		userData = string(buf)
	}

	prov := provider.NewEC2(&provider.EC2Input{
		AwsConfig:       awsCfg,
		Regions:         catalog.IDs(),
		InstanceType:    cfg.InstanceType,
		KeyName:         cfg.KeyName,
		SecurityGroup:   cfg.SecurityGroup,
		InstanceProfile: cfg.InstanceProfile,
		ServicePort:     cfg.ServicePort,
		UserData:        userData,
	})
	registry := fleet.NewRegistry(&fleet.RegistryInput{
		Provider:      prov,
		Catalog:       catalog,
		DefaultCounts: catalog.Counts(cfg.Nodes),
		PollInterval:  time.Duration(cfg.PollIntervalSec) * time.Second,
	})
	coordinator := remote.NewCoordinator(&remote.CoordinatorInput{
		Registry: registry,
		Runner:   remote.NewSSMRunner(awsCfg, catalog.IDs()),
	})
	controller := bench.NewController(&bench.ControllerInput{
		Registry:        registry,
		Coordinator:     coordinator,
		WorkloadScript:  cfg.WorkloadScript,
		WorkloadBinary:  cfg.WorkloadBinary,
		WorkloadProcess: cfg.WorkloadProcess,
		RemoteLogFiles:  cfg.RemoteLogFiles,
		RemoteDataDirs:  cfg.RemoteDataDirs,
		LogRoot:         cfg.LogRoot,
		ServicePort:     cfg.ServicePort,

		MinWorkloadVersion: cfg.MinWorkloadVersion,
	})

	return &app{
		cfg:         cfg,
		catalog:     catalog,
		provider:    prov,
		registry:    registry,
		coordinator: coordinator,
		controller:  controller,
	}, nil
}

// refresh pulls current fleet state and refreshes the hosts cache.
func (a *app) refresh(ctx context.Context) error {
	if err := a.coordinator.Refresh(ctx); err != nil {
		return err
	}
	if err := a.registry.WriteHosts(a.cfg.HostsPath); err != nil {
		slog.Debug("can't write hosts cache", slog.String("error", err.Error()))
	}
	return nil
}

func (a *app) fetcher() (*transfer.Client, error) {
	return transfer.NewClient(&transfer.ClientInput{
		KeyPath: a.cfg.KeyPath,
	})
}

func selectorFromArgs(args []string) fleet.Selector {
	if len(args) == 0 {
		return fleet.Selector{}
	}
	return fleet.SelectIDs(args...)
}

func (a *app) runParams() bench.RunParams {
	return bench.RunParams{
		RoundDuration: flagRound,
		Nodes:         a.cfg.Nodes,
		Workers:       flagWorkers,
		Long:          flagLong,
	}
}

func main() {
	root := &cobra.Command{
		Use:           "fleetbench",
		Short:         "Provision and drive a multi-region EC2 benchmark fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flagVerbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(logger)
		},
	}
	root.PersistentFlags().IntVarP(&flagNodes, "nodes", "n", 0, "Override the fleet-wide target instance count (default from config).")
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to a JSON fleet config file.")
	root.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "Validate provider calls without performing them.")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging.")

	root.AddCommand(
		statusCmd(),
		createCmd(),
		startCmd(),
		stopCmd(),
		terminateCmd(),
		secgroupCmd(),
		runCmd(),
		stopRunCmd(),
		cleanCmd(),
		collectCmd(),
		deployedCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Refresh fleet state and print running instances per region.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.registry.Status(cmd.Context()); err != nil {
				return err
			}
			return a.registry.WriteHosts(a.cfg.HostsPath)
		},
	}
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create [count]",
		Short: "Launch instances up to the per-region target counts.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("bad instance count %q: %w", args[0], err)
				}
				flagNodes = n
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.provider.EnsureInstanceProfile(cmd.Context()); err != nil {
				return err
			}
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			return a.registry.Create(cmd.Context(), nil, flagDryRun)
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [instance-id...]",
		Short: "Start stopped instances and wait until they are reachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			if err := a.registry.Start(cmd.Context(), selectorFromArgs(args), flagDryRun); err != nil {
				return err
			}
			return a.registry.WriteHosts(a.cfg.HostsPath)
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [instance-id...]",
		Short: "Stop running instances and wait until they are stopped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			return a.registry.Stop(cmd.Context(), selectorFromArgs(args), flagDryRun)
		},
	}
}

func terminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate [instance-id...]",
		Short: "Terminate instances and wait until they are gone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			return a.registry.Terminate(cmd.Context(), selectorFromArgs(args), flagDryRun)
		},
	}
}

func secgroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secgroup",
		Short: "Manage the fleet's security groups.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "ensure",
			Short: "Recreate the security group in every region (ports 22 and the service port).",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context())
				if err != nil {
					return err
				}
				return a.provider.EnsureSecurityGroups(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Delete the security group from every region.",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context())
				if err != nil {
					return err
				}
				return a.provider.DeleteSecurityGroups(cmd.Context())
			},
		},
	)
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the benchmark workload on every running instance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			return a.controller.Run(cmd.Context(), a.runParams())
		},
	}
	addRunFlags(cmd)
	return cmd
}

func stopRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-run",
		Short: "Kill the benchmark workload on every running instance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			return a.controller.Stop(cmd.Context(), flagBlocking)
		},
	}
	cmd.Flags().BoolVar(&flagBlocking, "blocking", false, "Wait for the kill to finish on every instance.")
	return cmd
}

func cleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove workload logs and data on every running instance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			return a.controller.Clean(cmd.Context(), flagBlocking)
		},
	}
	cmd.Flags().BoolVar(&flagBlocking, "blocking", false, "Wait for the cleanup to finish on every instance.")
	return cmd
}

func collectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Download workload logs from every running instance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			fetcher, err := a.fetcher()
			if err != nil {
				return err
			}
			a.controller = bench.NewController(&bench.ControllerInput{
				Registry:        a.registry,
				Coordinator:     a.coordinator,
				Fetcher:         fetcher,
				WorkloadScript:  a.cfg.WorkloadScript,
				WorkloadBinary:  a.cfg.WorkloadBinary,
				WorkloadProcess: a.cfg.WorkloadProcess,
				RemoteLogFiles:  a.cfg.RemoteLogFiles,
				RemoteDataDirs:  a.cfg.RemoteDataDirs,
				LogRoot:         a.cfg.LogRoot,
				ServicePort:     a.cfg.ServicePort,
			})
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			results, err := a.controller.CollectLogs(cmd.Context(), a.runParams())
			if err != nil {
				return err
			}
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Printf("failed: %s:%s: %v\n", res.Host, res.RemotePath, res.Err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d transfers failed", failed, len(results))
			}
			slog.Info("collected logs", slog.Int("transfers", len(results)))
			return nil
		},
	}
	addRunFlags(cmd)
	return cmd
}

func deployedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deployed",
		Short: "Check which instances have the workload installed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.refresh(cmd.Context()); err != nil {
				return err
			}
			_, err = a.controller.CheckDeployed(cmd.Context())
			return err
		},
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagRound, "round", 10, "Round duration in seconds.")
	cmd.Flags().IntVar(&flagWorkers, "workers", 1, "Worker count per instance.")
	cmd.Flags().BoolVar(&flagLong, "long", false, "Mark this as a long run (separate log directory).")
}
