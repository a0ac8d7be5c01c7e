// Command syncctl runs maintenance operations against the same backends as the API server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/markdave123-py/drivesync/internal/app"
	"github.com/markdave123-py/drivesync/internal/config"
	ingestor "github.com/markdave123-py/drivesync/internal/core/ingestion_engine"
	"github.com/markdave123-py/drivesync/internal/models"
	"github.com/markdave123-py/drivesync/internal/services"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func tenantFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "tenant",
		Aliases: []string{"t"},
		Usage:   "Tenant id",
		Value:   models.DefaultTenant,
	}
}

const description = `syncctl opens the same state and index as the API server. With the badger
state backend the state directory is locked by one process, so stop the server first
or use STATE_BACKEND=postgres. Syncs run inline, including any queued large files.`

func newCLI() *cli.App {
	return &cli.App{
		Name:        "syncctl",
		Usage:       "Operate the drive sync service: subscriptions, syncs, retention and tenants",
		Description: description,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "subscribe",
				Usage:  "Subscribe to a drive and run its initial full sync",
				Action: subscribeCommand,
				Flags: []cli.Flag{
					tenantFlag(),
					&cli.StringFlag{Name: "drive", Aliases: []string{"d"}, Usage: "Drive id", Required: true},
					&cli.BoolFlag{Name: "skip-sync", Usage: "Only create the subscription"},
				},
			},
			{
				Name:   "unsubscribe",
				Usage:  "Delete a subscription",
				Action: unsubscribeCommand,
				Flags: []cli.Flag{
					tenantFlag(),
					&cli.StringFlag{Name: "id", Usage: "Subscription id", Required: true},
				},
			},
			{
				Name:   "renew",
				Usage:  "Renew every subscription close to expiry",
				Action: renewCommand,
			},
			{
				Name:   "sync",
				Usage:  "Run one delta cycle for a drive, then the large files it queued",
				Action: syncCommand,
				Flags: []cli.Flag{
					tenantFlag(),
					&cli.StringFlag{Name: "drive", Aliases: []string{"d"}, Usage: "Drive id", Required: true},
					&cli.BoolFlag{Name: "full", Usage: "Discard the delta cursor and enumerate the whole drive"},
				},
			},
			{
				Name:   "retention",
				Usage:  "Delete indexed content older than the retention window",
				Action: retentionCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tenant", Aliases: []string{"t"}, Usage: "Only sweep this tenant"},
				},
			},
			{
				Name:   "cleanup-tenant",
				Usage:  "Remove subscriptions, index documents and state of a tenant",
				Action: cleanupCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "tenant", Aliases: []string{"t"}, Usage: "Tenant id", Required: true},
				},
			},
			{
				Name:   "settings",
				Usage:  "Show or update tenant settings",
				Action: settingsCommand,
				Flags: []cli.Flag{
					tenantFlag(),
					&cli.StringFlag{Name: "region", Usage: "New region; a change re-provisions the tenant"},
					&cli.IntFlag{Name: "retention-days", Usage: "New retention window in days"},
				},
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	slog.SetDefault(app.NewLogger(os.Stderr, c.String("log-level"), "text"))
	return nil
}

// inlineSync runs queued sync jobs immediately; there are no background workers here.
type inlineSync struct {
	app *app.App
}

func (s inlineSync) Enqueue(ctx context.Context, job ingestor.SyncJob) error {
	sum, err := syncAndDrain(ctx, s.app, job.TenantID, job.DriveID, job.Full)
	if err != nil {
		return err
	}
	return printJSON(sum)
}

// syncAndDrain runs one delta cycle and then the large-file jobs it queued,
// since no queue dispatcher runs in this process.
func syncAndDrain(ctx context.Context, a *app.App, tenantID, driveID string, full bool) (*ingestor.Summary, error) {
	sum, err := a.Syncer.SyncDrive(ctx, tenantID, driveID, full)
	if err != nil {
		return nil, err
	}
	if sum.Queued > 0 {
		if _, err := a.Queue.RunPending(ctx); err != nil {
			return sum, fmt.Errorf("run queued large files: %w", err)
		}
	}
	return sum, nil
}

// withApp loads and validates the configuration, opens the backends and runs fn.
func withApp(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a, err := app.NewApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func tenantService(a *app.App, syncs services.SyncEnqueuer) *services.TenantService {
	return services.NewTenantService(services.TenantDeps{
		Tenants:       a.Tenants,
		Tracker:       a.Tracker,
		Cursors:       a.Cursors,
		Subscriptions: a.Subscriptions,
		Index:         a.Index,
		Archive:       a.Archive,
		Syncs:         syncs,
		Logger:        a.Logger,
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func subscribeCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		var syncs services.SyncEnqueuer
		if !c.Bool("skip-sync") {
			syncs = inlineSync{a}
		}
		sub, err := tenantService(a, syncs).Subscribe(ctx, c.String("tenant"), c.String("drive"))
		if sub != nil {
			_ = printJSON(sub)
		}
		return err
	})
}

func unsubscribeCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		return a.Subscriptions.Delete(ctx, c.String("tenant"), c.String("id"))
	})
}

func renewCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		rep, err := a.Subscriptions.RenewDue(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	})
}

func syncCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		sum, err := syncAndDrain(ctx, a, c.String("tenant"), c.String("drive"), c.Bool("full"))
		if err != nil {
			return err
		}
		if err := printJSON(sum); err != nil {
			return err
		}
		return sum.Err()
	})
}

func retentionCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		if t := c.String("tenant"); t != "" {
			n, err := a.RetentionService.SweepTenant(ctx, t)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"tenant": t, "items": n})
		}
		rep, err := a.RetentionService.Sweep(ctx)
		_ = printJSON(rep)
		return err
	})
}

func cleanupCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		rep, err := a.TenantService.Cleanup(ctx, c.String("tenant"))
		_ = printJSON(rep)
		return err
	})
}

func settingsCommand(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		tenant := c.String("tenant")
		svc := tenantService(a, inlineSync{a})

		var patch models.TenantSettingsPatch
		if c.IsSet("region") {
			r := c.String("region")
			patch.Region = &r
		}
		if c.IsSet("retention-days") {
			d := c.Int("retention-days")
			patch.RetentionDays = &d
		}

		if patch.Region == nil && patch.RetentionDays == nil {
			ts, err := svc.Settings(ctx, tenant)
			if err != nil {
				return err
			}
			return printJSON(ts)
		}
		ts, err := svc.UpdateSettings(ctx, tenant, patch)
		if err != nil {
			return err
		}
		return printJSON(ts)
	})
}
