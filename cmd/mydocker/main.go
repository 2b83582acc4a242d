package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mydocker/pkg/config"
	"mydocker/pkg/errdefs"
	"mydocker/pkg/launcher"
	"mydocker/pkg/log"
	"mydocker/pkg/manager"
)

var (
	rootDir  string
	platform string
	debug    bool

	runRemove bool
	rmForce   bool

	initRootfs  string
	initWorkdir string
)

var rootCmd = &cobra.Command{
	Use:   "mydocker",
	Short: "A minimal container runtime",
	Long: `mydocker pulls OCI images from a registry, stacks their layers with overlayfs
and runs a process in its own PID and mount namespaces.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

var runCmd = &cobra.Command{
	Use:   "run <image> <name> [command [args...]]",
	Short: "Create a container from an image and run a command in it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}

		code, err := mgr.Run(cmd.Context(), manager.RunOptions{
			Image:  args[0],
			Name:   args[1],
			Args:   args[2:],
			Remove: runRemove,
			Stdin:  os.Stdin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		})
		if err != nil {
			return fmt.Errorf("failed to run container %s: %w", args[1], err)
		}
		return exitStatus(code)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <name> <command> [args...]",
	Short: "Run a command in a running container",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}

		code, err := mgr.Exec(cmd.Context(), manager.ExecOptions{
			Name:   args[0],
			Args:   args[1:],
			Stdin:  os.Stdin,
			Stdout: os.Stdout,
			Stderr: os.Stderr,
		})
		if err != nil {
			return fmt.Errorf("failed to exec in %s: %w", args[0], err)
		}
		return exitStatus(code)
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list", "ps"},
	Short:   "List containers",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}

		entries, err := mgr.List()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, e := range entries {
			image := e.Image
			if image == "" {
				image = "-"
			}
			fmt.Fprintf(out, "%s %s %s\n", e.Name, e.Status, image)
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <name>",
	Short: "Remove a stopped container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}

		if err := mgr.Remove(cmd.Context(), args[0], rmForce); err != nil {
			return fmt.Errorf("failed to remove container %s: %w", args[0], err)
		}
		return nil
	},
}

var rmiCmd = &cobra.Command{
	Use:   "rmi <digest|image>",
	Short: "Remove a layer by digest, or all layers of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}

		if err := mgr.RemoveImage(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to remove %s: %w", args[0], err)
		}
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull <image>",
	Short: "Download the layers of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}

		img, err := mgr.Pull(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to pull %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", img.Ref(), img.Digest())
		return nil
	},
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List stored layers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}

		infos, err := mgr.Images()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-71s %-12s %-8s %-8s %s\n", "DIGEST", "SIZE", "PACKED", "UNPACKED", "CONTAINERS")
		for _, info := range infos {
			fmt.Fprintf(out, "%-71s %-12d %-8t %-8t %d\n",
				info.Digest, info.Size, info.Packed, info.Unpacked, info.Refcount)
		}
		return nil
	},
}

// initCmd is the first process inside a new container. It is started by the
// launcher and never by users.
var initCmd = &cobra.Command{
	Use:    launcher.InitCommand + " --rootfs <dir> -- <command> [args...]",
	Hidden: true,
	Args:   cobra.MinimumNArgs(1),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(false)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return launcher.Init(launcher.InitOptions{
			Rootfs:     initRootfs,
			WorkingDir: initWorkdir,
			Args:       args,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "base directory for layers and containers (default "+config.DefaultRoot+")")
	rootCmd.PersistentFlags().StringVar(&platform, "platform", "", "platform to select from multi-platform images, e.g. linux/arm64")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	runCmd.Flags().BoolVar(&runRemove, "rm", false, "remove the container when it exits")
	runCmd.Flags().SetInterspersed(false)
	execCmd.Flags().SetInterspersed(false)
	rmCmd.Flags().BoolVarP(&rmForce, "force", "f", false, "kill the container if it is running")

	initCmd.Flags().StringVar(&initRootfs, "rootfs", "", "root filesystem of the container")
	initCmd.Flags().StringVar(&initWorkdir, "workdir", "", "working directory inside the container")
	initCmd.MarkFlagRequired("rootfs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(rmiCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(initCmd)
}

// newManager loads the configuration, applies command line overrides and
// sets up logging.
func newManager() (*manager.Manager, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, err
	}
	if rootDir != "" {
		cfg.Root = rootDir
	}
	if platform != "" {
		cfg.Platform = platform
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(cfg.Debug)
	return manager.NewManager(cfg)
}

// exitStatus turns a non-zero container exit code into an error carrying it.
func exitStatus(code int) error {
	if code == 0 {
		return nil
	}
	return &errdefs.ExitError{Code: code}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	var exitErr *errdefs.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	stop()
	os.Exit(errdefs.ExitCode(err))
}
