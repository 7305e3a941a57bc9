package app

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"splitroute/internal/config"
	"splitroute/internal/paths"
	"splitroute/internal/storage"
	"splitroute/internal/storage/sqlite"
)

// App represents the application context
type App struct {
	Storage storage.Storage
	Logger  *zap.Logger
	Options Options

	closeLog func()
}

// Options control how the application context is built.
type Options struct {
	ConfigPath string // empty means the default location
	DBPath     string // empty means <data dir>/splitroute.db
	LogLevel   string
	LogFile    string // empty disables file logging
	Quiet      bool   // no console logging
}

// New creates a new application instance
func New(opts Options) (*App, error) {
	if opts.LogLevel == "" {
		opts.LogLevel = "info"
	}
	logger, closeLog, err := NewLogger(opts.LogLevel, opts.LogFile, opts.Quiet)
	if err != nil {
		return nil, err
	}

	if opts.DBPath == "" {
		dataDir, err := paths.DataDir()
		if err != nil {
			closeLog()
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		opts.DBPath = filepath.Join(dataDir, "splitroute.db")
	}

	// Initialize storage
	store, err := sqlite.New(opts.DBPath)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	paths.ChownToRealUser(opts.DBPath)

	return &App{
		Storage:  store,
		Logger:   logger,
		Options:  opts,
		closeLog: closeLog,
	}, nil
}

// ConfigPath returns the configuration file this app reads and writes.
func (a *App) ConfigPath() (string, error) {
	if a.Options.ConfigPath != "" {
		return a.Options.ConfigPath, nil
	}
	return config.DefaultPath()
}

// LoadConfig reads the configuration file.
func (a *App) LoadConfig() (*config.Config, error) {
	path, err := a.ConfigPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// Close closes the application and releases resources
func (a *App) Close() error {
	var err error
	if a.Storage != nil {
		err = a.Storage.Close()
	}
	if a.closeLog != nil {
		a.closeLog()
	}
	return err
}
