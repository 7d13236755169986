package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sstracker/server/internal/api"
	"sstracker/server/internal/models"
	"sstracker/server/internal/scheduler"
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "Fetch every stale feed of the tracking list into the feed cache",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		manager, err := app.Retriever()
		if err != nil {
			return err
		}
		report, err := manager.UpdateAll(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	}),
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Parse cached feed payloads into the listing store",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		ctx := cmd.Context()
		all, _ := cmd.Flags().GetBool("all")

		result, err := app.Coordinator().Run(ctx, app.Feeds.Load(all))
		if err != nil {
			return err
		}
		if err := app.Stats.RecordIngestRun(ctx, time.Now()); err != nil {
			return err
		}
		if err := app.Stats.Refresh(ctx, app.Store); err != nil {
			return err
		}
		return printJSON(cmd, result)
	}),
}

var detailsCmd = &cobra.Command{
	Use:   "details",
	Short: "Download detail pages for listings that have none yet",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		category, err := categoryFlag(cmd)
		if err != nil {
			return err
		}
		service, err := app.Enrichment()
		if err != nil {
			return err
		}
		report, err := service.RetrieveDetails(cmd.Context(), category)
		if err != nil {
			return err
		}
		return printJSON(cmd, report)
	}),
}

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Derive enriched fields from downloaded detail pages",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		ctx := cmd.Context()
		category, err := categoryFlag(cmd)
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")

		service, err := app.Enrichment()
		if err != nil {
			return err
		}
		report, err := service.Enrich(ctx, category, force)
		if err != nil {
			return err
		}
		if err := app.Stats.RecordEnricherRun(ctx, time.Now()); err != nil {
			return err
		}
		if err := app.Stats.Refresh(ctx, app.Store); err != nil {
			return err
		}
		return printJSON(cmd, report)
	}),
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Recount listings and print the tracker counters",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		ctx := cmd.Context()
		if err := app.Stats.Refresh(ctx, app.Store); err != nil {
			return err
		}
		snapshot, err := app.Stats.Snapshot(ctx)
		if err != nil && snapshot == nil {
			return err
		}
		if err != nil {
			app.Logger.WithError(err).Warn("Some stats could not be decoded")
		}
		return printJSON(cmd, snapshot)
	}),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only listing API",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		return serve(cmd.Context(), app)
	}),
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run tracker cycles on a schedule and serve the API",
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *App) error {
		manager, err := app.Retriever()
		if err != nil {
			return err
		}
		service, err := app.Enrichment()
		if err != nil {
			return err
		}

		s := scheduler.NewScheduler(scheduler.Jobs{
			Retriever:  manager,
			Payloads:   app.Feeds,
			Ingester:   app.Coordinator(),
			Enrichment: service,
			Stats:      app.Stats,
			Store:      app.Store,
		}, app.Config.ScheduleInterval(), app.Logger)

		s.Start(cmd.Context())
		defer s.Stop()
		return serve(cmd.Context(), app)
	}),
}

func categoryFlag(cmd *cobra.Command) (models.Category, error) {
	name, _ := cmd.Flags().GetString("category")
	return models.ParseCategory(name)
}

// serve runs the API until ctx is cancelled.
func serve(ctx context.Context, app *App) error {
	if app.Logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := api.NewHandler(app.Store, app.Stats, app.Logger)
	srv := &http.Server{
		Addr:    app.Config.HTTP.Addr,
		Handler: api.NewRouter(handler),
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Infof("Starting server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	app.Logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func init() {
	ingestCmd.Flags().Bool("all", false, "Ingest every cached payload instead of the last day")
	detailsCmd.Flags().String("category", string(models.CategoryAll), "Category to process, * for all")
	enrichCmd.Flags().String("category", string(models.CategoryAll), "Category to process, * for all")
	enrichCmd.Flags().Bool("force", false, "Enrich already enriched listings again")

	rootCmd.AddCommand(retrieveCmd, ingestCmd, detailsCmd, enrichCmd, statsCmd, serveCmd, daemonCmd)
}
