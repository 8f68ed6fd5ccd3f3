// Package cli provides configuration management commands.
package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rescale/rest-dispatch/internal/api"
	"github.com/rescale/rest-dispatch/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rest-dispatch configuration",
		Long: `Configuration management commands for rest-dispatch.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  test  - Test API connection
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigTestCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for rest-dispatch.

The configuration is saved to ~/.config/rest-dispatch/config, or to the
path given with --config. The file holds the token and is written with
0600 permissions.

Use --force to overwrite existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			out := cmd.OutOrStdout()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			fmt.Fprintln(out, "rest-dispatch Configuration Setup")
			fmt.Fprintln(out, "=================================")
			fmt.Fprintln(out)

			p := newPrompter(cmd.InOrStdin(), out)
			cfg := config.NewConfig()

			cfg.API.BaseURL = p.ask("API Base URL", cfg.API.BaseURL)
			cfg.API.Version = p.ask("API Version", cfg.API.Version)

			secret, err := p.secret("Token (leave empty to skip)")
			if err != nil {
				return err
			}
			cfg.API.Token = secret

			fmt.Fprintln(out)
			fmt.Fprintln(out, "Rate Limit Settings (press Enter for defaults)")
			fmt.Fprintln(out, "----------------------------------------------")
			cfg.RateLimit.Retries = askInt(p, "Retries", cfg.RateLimit.Retries)
			cfg.RateLimit.TimeoutMs = askInt(p, "Request timeout (ms)", cfg.RateLimit.TimeoutMs)
			cfg.RateLimit.OffsetMs = askInt(p, "Reset offset (ms)", cfg.RateLimit.OffsetMs)
			cfg.RateLimit.GlobalRequestsPerSecond = askInt(p, "Global requests per second", cfg.RateLimit.GlobalRequestsPerSecond)
			cfg.RateLimit.RejectOnRateLimit = p.ask("Reject on rate limit (none, all or route prefixes)", cfg.RateLimit.RejectOnRateLimit)

			fmt.Fprintln(out)
			if p.confirm("Configure proxy?") {
				fmt.Fprintln(out, "Proxy modes: no-proxy, system, basic, ntlm")
				cfg.Proxy.Mode = p.ask("Proxy mode", "system")
				if cfg.Proxy.Mode == "basic" || cfg.Proxy.Mode == "ntlm" {
					cfg.Proxy.Host = p.ask("Proxy host", "")
					cfg.Proxy.Port = askInt(p, "Proxy port", 8080)
					cfg.Proxy.User = p.ask("Proxy user (password is asked when needed)", "")
					cfg.Proxy.NoProxy = p.ask("Bypass list", "")
				}
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			GetLogger().Info().Str("path", path).Msg("Configuration saved")

			fmt.Fprintln(out)
			fmt.Fprintf(out, "Configuration saved to: %s\n", path)
			fmt.Fprintln(out, "Test your configuration with: rest-dispatch config test")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")

	return cmd
}

func askInt(p *prompter, label string, def int) int {
	answer := p.ask(label, strconv.Itoa(def))
	if v, err := strconv.Atoi(answer); err == nil && v >= 0 {
		return v
	}
	return def
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration settings.

This command shows the merged configuration from:
  1. Configuration file (~/.config/rest-dispatch/config)
  2. Environment variables (` + config.EnvToken + `, ` + config.EnvAPIURL + `)
  3. Command-line flags (--token, --api-url)

Priority: flags > environment > config file > defaults.
Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg.MergeWithFlags(token, apiBaseURL)
			shown := cfg.Redacted()
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Current Configuration")
			fmt.Fprintln(out, "=====================")
			fmt.Fprintln(out)

			fmt.Fprintln(out, "API Settings:")
			fmt.Fprintf(out, "  Base URL:    %s\n", shown.API.BaseURL)
			fmt.Fprintf(out, "  Version:     %s\n", shown.API.Version)
			if shown.API.Token != "" {
				fmt.Fprintf(out, "  Token:       %s\n", shown.API.Token)
			} else {
				fmt.Fprintln(out, "  Token:       <not set>")
			}
			if shown.API.UserAgentAppendix != "" {
				fmt.Fprintf(out, "  UA Appendix: %s\n", shown.API.UserAgentAppendix)
			}
			fmt.Fprintln(out)

			rl := shown.RateLimit
			fmt.Fprintln(out, "Rate Limit Settings:")
			fmt.Fprintf(out, "  Offset:              %dms\n", rl.OffsetMs)
			fmt.Fprintf(out, "  Retries:             %d\n", rl.Retries)
			fmt.Fprintf(out, "  Timeout:             %dms\n", rl.TimeoutMs)
			fmt.Fprintf(out, "  Global Requests/s:   %d\n", rl.GlobalRequestsPerSecond)
			fmt.Fprintf(out, "  Reject On Limit:     %s\n", rl.RejectOnRateLimit)
			fmt.Fprintf(out, "  Invalid Warn Every:  %d\n", rl.InvalidRequestWarningInterval)
			fmt.Fprintf(out, "  Retry Backoff:       %dms\n", rl.RetryBackoffMs)
			fmt.Fprintf(out, "  Queue Sweep:         %ds\n", rl.HandlerSweepIntervalS)
			fmt.Fprintf(out, "  Hash Lifetime:       %ds\n", rl.HashLifetimeS)
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Proxy Settings:")
			fmt.Fprintf(out, "  Proxy Mode: %s\n", shown.Proxy.Mode)
			if shown.Proxy.Host != "" {
				fmt.Fprintf(out, "  Proxy Host: %s\n", shown.Proxy.Host)
				fmt.Fprintf(out, "  Proxy Port: %d\n", shown.Proxy.Port)
			}
			fmt.Fprintln(out)

			fmt.Fprintf(out, "Server Listen: %s\n", shown.Server.Listen)
			fmt.Fprintf(out, "Configuration file: %s\n", path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(out, "  (file does not exist - using defaults)")
			}

			return nil
		},
	}

	return cmd
}

// newConfigTestCmd creates the 'config test' command.
func newConfigTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test API connection",
		Long: `Test the API connection with current configuration.

Sends GET /gateway, then GET /users/@me when a token is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := getAPIClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx := GetContext(cmd)

			fmt.Fprintln(out, "Testing API Connection")
			fmt.Fprintln(out, "======================")
			fmt.Fprintf(out, "API: %s/v%s\n\n", cfg.API.BaseURL, cfg.API.Version)

			var gateway struct {
				URL string `json:"url"`
			}
			if err := client.Get(ctx, "/gateway", &api.RequestOptions{SkipAuth: true}, &gateway); err != nil {
				return fmt.Errorf("connection failed: %w", describeError(err))
			}
			fmt.Fprintf(out, "Connection: OK (gateway %s)\n", gateway.URL)

			if cfg.API.Token == "" {
				fmt.Fprintln(out, "Token:      not set, skipped")
				return nil
			}

			var me struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			}
			if err := client.Get(ctx, "/users/@me", nil, &me); err != nil {
				return fmt.Errorf("authentication failed: %w", describeError(err))
			}
			fmt.Fprintf(out, "Token:      OK (%s, %s)\n", me.Username, me.ID)
			return nil
		},
	}

	return cmd
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), configPath())
			return nil
		},
	}
}
