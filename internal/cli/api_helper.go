package cli

import (
	"fmt"
	"os"

	"github.com/rescale/rest-dispatch/internal/api"
	"github.com/rescale/rest-dispatch/internal/config"
	"github.com/rescale/rest-dispatch/internal/http"
)

// getAPIClient loads configuration and creates an API client. A proxy
// password that is never stored on disk is asked for on the terminal.
func getAPIClient() (*api.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if http.NeedsProxyPassword(cfg.Proxy) {
		password, err := newPrompter(os.Stdin, os.Stderr).secret("Proxy password for " + cfg.Proxy.User)
		if err != nil {
			return nil, nil, err
		}
		cfg.Proxy.Password = password
	}

	client, err := api.NewClient(cfg, GetLogger())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create API client: %w", err)
	}

	return client, cfg, nil
}
