package backend

import (
	"fmt"

	"budgetmirror/internal/config"
)

// FromAppConfig converts the application config to source config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	sourceType := SourceType(appConfig.RemoteSource)
	if !sourceType.IsValid() {
		return Config{}, fmt.Errorf("invalid remote source in config: %s", appConfig.RemoteSource)
	}

	return Config{
		Type:        sourceType,
		SeedFile:    appConfig.RemoteSeedFile,
		APIURL:      appConfig.YNABAPIURL,
		AccessToken: appConfig.YNABAccessToken,
	}, nil
}

// Validate validates the source configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid source type: %s", c.Type)
	}

	switch c.Type {
	case YNABSource:
		if c.AccessToken == "" {
			return fmt.Errorf("access token is required for ynab source")
		}
		if c.APIURL == "" {
			return fmt.Errorf("API URL is required for ynab source")
		}
	case MemorySource:
		// An empty seed file starts with no budgets
	}

	return nil
}

// GetSourceTypes returns all valid source types
func GetSourceTypes() []SourceType {
	return []SourceType{MemorySource, YNABSource}
}
