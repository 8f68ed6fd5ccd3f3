// Package cli provides the command-line interface for rest-dispatch.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/rest-dispatch/internal/config"
	"github.com/rescale/rest-dispatch/internal/logging"
	"github.com/rescale/rest-dispatch/internal/version"
)

var (
	// Global flags
	cfgFile    string
	token      string
	apiBaseURL string
	verbose    bool
	debug      bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rest-dispatch",
		Short: "Rate limit aware client and proxy for Discord-style REST APIs",
		Long: `rest-dispatch ` + version.Version + ` - Built: ` + version.BuildTime + `
Send requests to a rate limited REST API without ever tripping its limits.

Requests are queued per bucket, bucket limits are learned from response
headers and a global per-second window is shared by every request.

  request    - Send a single request and print the answer
  batch      - Send many requests from a JSON lines file
  serve      - Run a local proxy that shares one set of limits
  config     - Manage the configuration file`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewLogger(cmd.ErrOrStderr())
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "API token (overrides config and "+config.EnvToken+")")
	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api-url", "", "API base URL without version (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	completionCmd := &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for rest-dispatch.

QUICK START:

  bash:
    rest-dispatch completion bash | sudo tee /etc/bash_completion.d/rest-dispatch

  zsh:
    rest-dispatch completion zsh > "${fpath[1]}/_rest-dispatch"

  fish:
    rest-dispatch completion fish > ~/.config/fish/completions/rest-dispatch.fish`,
	}
	rootCmd.AddCommand(completionCmd)

	completionCmd.AddCommand(&cobra.Command{
		Use:   "bash",
		Short: "Generate bash completion script",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.Root().GenBashCompletion(cmd.OutOrStdout())
		},
	})
	completionCmd.AddCommand(&cobra.Command{
		Use:   "zsh",
		Short: "Generate zsh completion script",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.Root().GenZshCompletion(cmd.OutOrStdout())
		},
	})
	completionCmd.AddCommand(&cobra.Command{
		Use:   "fish",
		Short: "Generate fish completion script",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
		},
	})
	completionCmd.AddCommand(&cobra.Command{
		Use:   "powershell",
		Short: "Generate PowerShell completion script",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootCmd.Root().GenPowerShellCompletion(cmd.OutOrStdout())
		},
	})

	// Disable default completion command (we're adding our own above)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, cancelling pending requests...\n", sig)
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.ExecuteContext(rootContext)

	signal.Stop(sigChan)
	close(sigChan)

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newRequestCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// GetContext returns the command context, falling back to the signal
// context and then to context.Background.
func GetContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

// loadConfig loads the config file and applies environment and flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.MergeWithFlags(token, apiBaseURL)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
