package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sstracker/server/config"
	"sstracker/server/internal/enrichment"
	"sstracker/server/internal/feedcache"
	"sstracker/server/internal/geocoding"
	"sstracker/server/internal/ingest"
	"sstracker/server/internal/parser"
	"sstracker/server/internal/retriever"
	"sstracker/server/internal/stats"
	"sstracker/server/internal/store"
)

// App holds the components shared by every command.
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Stats   *stats.Recorder
	Feeds   *feedcache.Cache
	Store   store.Store
	Fetcher *retriever.HTTPFetcher

	closers []func() error
}

func newApp() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	app := &App{
		Config:  cfg,
		Logger:  cfg.NewLogger(),
		Fetcher: retriever.NewHTTPFetcher(cfg.FetchTimeout(), cfg.Retrieval.UserAgent),
	}

	app.Stats, err = stats.Open(cfg.Stats.DSN, app.Logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Stats.Close)

	app.Feeds, err = feedcache.New(cfg.Cache.Dir, cfg.CacheValidity(), app.Stats, app.Logger)
	if err != nil {
		return nil, app.fail(err)
	}
	app.closers = append(app.closers, app.Feeds.Close)

	app.Store, err = store.Open(cfg, app.Logger)
	if err != nil {
		return nil, app.fail(err)
	}
	app.closers = append(app.closers, app.Store.Close)

	return app, nil
}

func (a *App) fail(err error) error {
	return errors.Join(err, a.Close())
}

// Close releases components in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) Retriever() (*retriever.Manager, error) {
	list, err := config.LoadTrackingList(a.Config.Retrieval.TrackingList)
	if err != nil {
		return nil, err
	}
	return retriever.NewManager(list, a.Feeds, a.Fetcher, a.Logger), nil
}

func (a *App) Coordinator() *ingest.Coordinator {
	return ingest.NewCoordinator(a.Config, ingest.ConfigSessions(a.Config, a.Logger), parser.New(a.Logger), a.Logger)
}

func (a *App) Enrichment() (*enrichment.Service, error) {
	var geocoder enrichment.Geocoder
	if a.Config.Geocoding.Enabled {
		g, err := geocoding.NewGeocoder(
			a.Config.Geocoding.URL,
			a.Config.Geocoding.CacheDir,
			a.Config.Geocoding.Rate,
			a.Config.Retrieval.UserAgent,
			a.Logger,
		)
		if err != nil {
			return nil, err
		}
		geocoder = g
	}

	enricher := enrichment.NewDefaultEnricher(geocoder, a.Logger)
	return enrichment.NewService(a.Store, a.Fetcher, enricher, a.Config.Enrichment.RequestsPerSecond, a.Logger), nil
}

// withApp builds the App around run and closes it afterwards.
func withApp(run func(cmd *cobra.Command, args []string, app *App) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer func() {
			if cerr := app.Close(); cerr != nil {
				app.Logger.WithError(cerr).Error("Failed to close components")
				err = errors.Join(err, cerr)
			}
		}()

		app.Logger.WithField("command", cmd.CommandPath()).Debug("Starting command")
		if err := run(cmd, args, app); err != nil {
			app.Logger.WithError(err).WithField("command", cmd.CommandPath()).Error("Command failed")
			return err
		}
		return nil
	}
}
