// Command neuro runs and operates the brain lifecycle service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nous-labs/neuro/internal/daemon"
	coredaemon "github.com/nous-labs/neuro/pkg/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the persistent flags shared by every command.
type cli struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "neuro",
		Short:        "Platform and student brains with LLM fallback",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if c.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("NEURO_CONFIG_PATH"), "Path to config file (JSON or YAML)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")

	platform := &cobra.Command{Use: "platform", Short: "Manage the platform brain"}
	platform.AddCommand(c.platformCreateCmd())

	student := &cobra.Command{Use: "student", Short: "Manage student brains"}
	student.AddCommand(c.studentCreateCmd())

	root.AddCommand(
		c.serveCmd(),
		platform,
		student,
		c.predictCmd(),
		c.learnCmd(),
		c.reinforceCmd(),
		c.showCmd(),
		c.checkpointCmd(),
		c.examplesCmd(),
	)
	return root
}

// withStack opens the configured stack, runs fn and closes the stack, which
// checkpoints anything fn learned.
func (c *cli) withStack(ctx context.Context, fn func(*daemon.Stack) error) (err error) {
	cfg, err := coredaemon.LoadConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := daemon.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					slog.Info("received signal, shutting down", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			return c.withStack(ctx, func(s *daemon.Stack) error {
				d, err := s.Daemon()
				if err != nil {
					return err
				}
				slog.Info("neuro starting",
					"version", version,
					"store", s.Config.Store.Driver,
					"state_dir", s.Config.StateDir,
				)
				if err := d.Run(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				slog.Info("neuro stopped")
				return nil
			})
		},
	}
}

func (c *cli) platformCreateCmd() *cobra.Command {
	var (
		neurons           int
		ethics, curiosity bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the platform brain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(s *daemon.Stack) error {
				if neurons == 0 {
					neurons = s.Config.Engine.DefaultNeurons
				}
				rec, err := s.Service.CreatePlatformBrain(cmd.Context(), neurons, ethics, curiosity)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().IntVarP(&neurons, "neurons", "n", 0, "Neuron count (default from config)")
	cmd.Flags().BoolVar(&ethics, "ethics", false, "Bound weights")
	cmd.Flags().BoolVar(&curiosity, "curiosity", false, "Enable exploratory learning")
	return cmd
}

func (c *cli) studentCreateCmd() *cobra.Command {
	var (
		neurons int
		clone   bool
	)
	cmd := &cobra.Command{
		Use:   "create OWNER",
		Short: "Create a student brain for OWNER",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(s *daemon.Stack) error {
				if neurons == 0 && !clone {
					neurons = s.Config.Engine.DefaultNeurons
				}
				rec, err := s.Service.CreateStudentBrain(cmd.Context(), args[0], neurons, clone)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().IntVarP(&neurons, "neurons", "n", 0, "Neuron count for an independent brain (default from config)")
	cmd.Flags().BoolVar(&clone, "clone", false, "Clone the platform brain copy-on-write")
	return cmd
}

func (c *cli) predictCmd() *cobra.Command {
	var (
		features   []float64
		noFallback bool
	)
	cmd := &cobra.Command{
		Use:   "predict BRAIN_ID",
		Short: "Answer a feature vector with a brain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(s *daemon.Stack) error {
				p, err := s.Service.Predict(cmd.Context(), args[0], features, !noFallback)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().Float64SliceVarP(&features, "features", "f", nil, "Comma-separated feature vector")
	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "Never consult the oracle")
	_ = cmd.MarkFlagRequired("features")
	return cmd
}

func (c *cli) learnCmd() *cobra.Command {
	var (
		features   []float64
		confidence float64
	)
	cmd := &cobra.Command{
		Use:   "learn BRAIN_ID LABEL",
		Short: "Teach a brain one labelled example",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(s *daemon.Stack) error {
				if err := s.Service.Learn(cmd.Context(), args[0], features, args[1], confidence); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "learned %q for %s\n", args[1], args[0])
				return nil
			})
		},
	}
	cmd.Flags().Float64SliceVarP(&features, "features", "f", nil, "Comma-separated feature vector")
	cmd.Flags().Float64Var(&confidence, "confidence", 1, "Confidence in the label, 0 to 1")
	_ = cmd.MarkFlagRequired("features")
	return cmd
}

func (c *cli) reinforceCmd() *cobra.Command {
	var (
		features []float64
		reward   float64
	)
	cmd := &cobra.Command{
		Use:   "reinforce BRAIN_ID",
		Short: "Reward or punish a brain's current answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(s *daemon.Stack) error {
				if err := s.Service.Reinforce(cmd.Context(), args[0], features, reward); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reinforced %s with reward %.2f\n", args[0], reward)
				return nil
			})
		},
	}
	cmd.Flags().Float64SliceVarP(&features, "features", "f", nil, "Comma-separated feature vector")
	cmd.Flags().Float64Var(&reward, "reward", 1, "Reward, 0 (wrong) to 1 (right)")
	_ = cmd.MarkFlagRequired("features")
	return cmd
}

func (c *cli) showCmd() *cobra.Command {
	var (
		owner    string
		platform bool
	)
	cmd := &cobra.Command{
		Use:   "show [BRAIN_ID]",
		Short: "Print a brain record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(s *daemon.Stack) error {
				ctx := cmd.Context()
				switch {
				case platform:
					rec, err := s.Service.GetPlatformBrain(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), rec)
				case owner != "":
					rec, err := s.Service.GetStudentBrain(ctx, owner)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), rec)
				case len(args) == 1:
					rec, err := s.Service.GetBrain(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), rec)
				default:
					return fmt.Errorf("give a brain id, --owner or --platform")
				}
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Show the student brain of this owner")
	cmd.Flags().BoolVar(&platform, "platform", false, "Show the platform brain")
	return cmd
}

func (c *cli) checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint BRAIN_ID",
		Short: "Write a brain's snapshot now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(s *daemon.Stack) error {
				if err := s.Service.Checkpoint(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checkpointed %s\n", args[0])
				return nil
			})
		},
	}
}

func (c *cli) examplesCmd() *cobra.Command {
	var (
		features []float64
		k        int
	)
	cmd := &cobra.Command{
		Use:   "examples BRAIN_ID",
		Short: "List a brain's learning examples, nearest to --features first when stored in Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStack(cmd.Context(), func(s *daemon.Stack) error {
				ctx := cmd.Context()
				if len(features) > 0 {
					if s.Vectors == nil {
						return fmt.Errorf("nearest-example lookup needs the postgres store")
					}
					near, err := s.Vectors.Nearest(ctx, args[0], features, k)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), near)
				}
				if s.Replay == nil {
					return fmt.Errorf("replay log is disabled")
				}
				rec, err := s.Service.GetBrain(ctx, args[0])
				if err != nil {
					return err
				}
				examples, err := s.Replay.Since(ctx, rec.ID, rec.CreatedAt.Add(-1), k)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), examples)
			})
		},
	}
	cmd.Flags().Float64SliceVarP(&features, "features", "f", nil, "Query vector for nearest-example lookup")
	cmd.Flags().IntVarP(&k, "limit", "k", 20, "Maximum examples to print")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
