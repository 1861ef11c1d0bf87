package backend

import (
	"context"
	"fmt"
	"log/slog"

	"budgetmirror/internal/remote/memory"
	"budgetmirror/internal/remote/ynab"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new source factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateSource implements Factory.CreateSource
func (f *DefaultFactory) CreateSource(ctx context.Context, config Config) (*SourceResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case YNABSource:
		return f.createYNABSource(ctx, config)
	case MemorySource:
		return f.createMemorySource(config)
	default:
		return nil, fmt.Errorf("unsupported source type: %s", config.Type)
	}
}

func (f *DefaultFactory) createYNABSource(ctx context.Context, config Config) (*SourceResult, error) {
	client, err := ynab.New(ctx, config.APIURL, config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize YNAB client: %w", err)
	}

	f.logger.Info("Initialized YNAB source", "api_url", config.APIURL)

	return &SourceResult{Source: client}, nil
}

func (f *DefaultFactory) createMemorySource(config Config) (*SourceResult, error) {
	if config.SeedFile == "" {
		f.logger.Info("Initialized empty memory source")
		return &SourceResult{Source: memory.New()}, nil
	}

	source, err := memory.NewFromFile(config.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory source seed: %w", err)
	}

	f.logger.Info("Initialized memory source", "seed_file", config.SeedFile)

	return &SourceResult{Source: source}, nil
}
