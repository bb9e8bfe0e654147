package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"quietcal/internal/app"
	"quietcal/internal/apperr"
	"quietcal/internal/config"
	"quietcal/internal/ics"
	"quietcal/internal/ledger"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
	"quietcal/internal/printers"
	"quietcal/internal/store"
	"quietcal/internal/web"
)

const version = "0.3.0"

func main() {
	// .env is optional.
	_ = godotenv.Load()

	cliApp := &cli.App{
		Name:    "quietcal",
		Usage:   "Keep calendar events out of daily protected time windows.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "~/.quietcal/config.yaml", Usage: "path to config file", EnvVars: []string{"QUIETCAL_CONFIG"}},
			&cli.StringFlag{Name: "owner", Aliases: []string{"o"}, Usage: "owner to act for (defaults to the first configured owner)", EnvVars: []string{"QUIETCAL_OWNER"}},
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of tables"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			refreshCommand(),
			importCommand(),
			scanCommand(),
			layoutCommand(),
			conflictsCommand(),
			suggestCommand(),
			resolveCommand(),
			dismissCommand(),
			undoCommand(),
			actionsCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		appLog.Error("quietcal failed", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch apperr.KindOf(err) {
	case apperr.ErrValidation:
		return 2
	case apperr.ErrNotFound:
		return 3
	case apperr.ErrConflictState:
		return 4
	default:
		return 1
	}
}

// setup loads config, applies environment overrides and builds the App.
func setup(c *cli.Context) (*app.App, *printers.Printer, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.ApplyEnv(nil)
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	a, err := app.New(cfg, app.Options{})
	if err != nil {
		return nil, nil, err
	}
	return a, printers.New(c.Bool("json"), a.Location), nil
}

func ownerOf(c *cli.Context, a *app.App) (string, error) {
	if o := c.String("owner"); o != "" {
		return o, nil
	}
	if len(a.Config.Owners) > 0 {
		return a.Config.Owners[0], nil
	}
	return "", apperr.Validation("cli", "no owner: pass --owner or configure owners")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

var dateFlag = &cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "day as YYYY-MM-DD (default today)"}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the refresh schedule.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "listen address (overrides config)"},
		},
		Action: func(c *cli.Context) error {
			a, _, err := setup(c)
			if err != nil {
				return err
			}
			if l := c.String("listen"); l != "" {
				a.Config.Listen = l
			}
			appLog.Info("quietcal starting", "version", version,
				"listen", a.Config.Listen,
				"timezone", a.Config.Timezone,
				"refresh", a.Config.RefreshCron,
				"horizon_days", a.Config.HorizonDays,
				"ics_count", len(a.Config.ICS))

			ctx, cancel := signalContext()
			defer cancel()

			runErr := make(chan error, 1)
			go func() { runErr <- a.Run(ctx) }()

			err = web.NewServer(a).ListenAndServe(ctx, a.Config.Listen)
			cancel()
			if rerr := <-runErr; err == nil {
				err = rerr
			}
			appLog.Info("quietcal exiting")
			return err
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Import every feed and scan the horizon once.",
		Action: func(c *cli.Context) error {
			a, p, err := setup(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			res, err := a.Refresh(ctx)
			for _, e := range res.Import.Errors {
				appLog.Warn("feed failed", "error", e)
			}
			if perr := p.Reports(res.Scans); perr != nil {
				return perr
			}
			return err
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:  "import",
		Usage: "Import configured feeds, or one local .ics file.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "local .ics file to import for --owner"},
			&cli.StringFlag{Name: "source", Value: "local", Usage: "source ID for --file"},
		},
		Action: func(c *cli.Context) error {
			a, _, err := setup(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			if path := c.String("file"); path != "" {
				owner, err := ownerOf(c, a)
				if err != nil {
					return err
				}
				n, err := a.Importer.ImportFile(ctx, ics.Source{ID: c.String("source"), OwnerID: owner}, path)
				if err != nil {
					return err
				}
				fmt.Printf("imported %d events from %s\n", n, path)
				return nil
			}

			res, err := a.Importer.Import(ctx, a.Sources())
			if err != nil {
				return err
			}
			fmt.Printf("%d sources, %d events (%d served from cache)\n", res.Sources, res.Events, res.Cached)
			for _, e := range res.Errors {
				appLog.Warn("feed failed", "error", e)
			}
			return nil
		},
	}
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Detect conflicts for a day, or a run of days.",
		Flags: []cli.Flag{
			dateFlag,
			&cli.IntFlag{Name: "days", Value: 1, Usage: "number of days to scan from --date"},
		},
		Action: func(c *cli.Context) error {
			a, p, err := setup(c)
			if err != nil {
				return err
			}
			owner, err := ownerOf(c, a)
			if err != nil {
				return err
			}
			day, err := a.Scan.Day(c.String("date"))
			if err != nil {
				return err
			}
			reps, err := a.Scan.ScanRange(c.Context, owner, day, c.Int("days"))
			if perr := p.Reports(reps); perr != nil {
				return perr
			}
			return err
		},
	}
}

func layoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "layout",
		Usage: "Show a day's windows and lane layout.",
		Flags: []cli.Flag{dateFlag},
		Action: func(c *cli.Context) error {
			a, p, err := setup(c)
			if err != nil {
				return err
			}
			owner, err := ownerOf(c, a)
			if err != nil {
				return err
			}
			view, err := a.Scan.Layout(c.Context, owner, c.String("date"))
			if err != nil {
				return err
			}
			return p.Layout(view)
		},
	}
}

func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conflicts",
		Usage: "List recorded conflicts.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Aliases: []string{"d"}, Usage: "only this day (YYYY-MM-DD)"},
			&cli.StringFlag{Name: "status", Usage: "open, resolved, dismissed or undone"},
			&cli.StringFlag{Name: "event", Usage: "only this event ID"},
		},
		Action: func(c *cli.Context) error {
			a, p, err := setup(c)
			if err != nil {
				return err
			}
			owner, err := ownerOf(c, a)
			if err != nil {
				return err
			}
			cs, err := a.Store.ListConflicts(c.Context, owner, store.ConflictFilter{
				DateISO: c.String("date"),
				Status:  model.ConflictStatus(c.String("status")),
				EventID: c.String("event"),
			})
			if err != nil {
				return err
			}
			return p.Conflicts(cs)
		},
	}
}

func suggestCommand() *cli.Command {
	return &cli.Command{
		Name:      "suggest",
		Usage:     "Show the advised resolution for a conflict.",
		ArgsUsage: "<conflict-id>",
		Action: func(c *cli.Context) error {
			a, p, err := setup(c)
			if err != nil {
				return err
			}
			owner, err := ownerOf(c, a)
			if err != nil {
				return err
			}
			id, err := requireArg(c, "conflict id")
			if err != nil {
				return err
			}
			conf, advice, err := a.Ledger.Suggest(c.Context, owner, id)
			if err != nil {
				return err
			}
			return p.Suggestion(conf, advice)
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve an open conflict by changing its event.",
		ArgsUsage: "<conflict-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "shift", Usage: "move the event by N minutes"},
			&cli.StringFlag{Name: "new-end", Usage: "shorten the event to end at HH:MM or an RFC 3339 time"},
			&cli.BoolFlag{Name: "cancel", Usage: "cancel the event"},
			&cli.BoolFlag{Name: "free", Usage: "mark the event as free"},
			&cli.BoolFlag{Name: "suggest", Usage: "apply the advised resolution"},
		},
		Action: func(c *cli.Context) error {
			a, p, err := setup(c)
			if err != nil {
				return err
			}
			owner, err := ownerOf(c, a)
			if err != nil {
				return err
			}
			id, err := requireArg(c, "conflict id")
			if err != nil {
				return err
			}

			spec := model.PatchSpec{Cancel: c.Bool("cancel"), Free: c.Bool("free")}
			if c.IsSet("shift") {
				m := c.Int("shift")
				spec.ShiftMinutes = &m
			}
			if v := c.String("new-end"); v != "" {
				conf, err := a.Store.GetConflict(c.Context, owner, id)
				if err != nil {
					return err
				}
				end, err := parseEnd(v, conf.DateISO, a.Location)
				if err != nil {
					return err
				}
				spec.NewEnd = &end
			}

			var out ledger.Outcome
			if c.Bool("suggest") {
				if spec != (model.PatchSpec{}) {
					return apperr.Validation("cli.resolve", "--suggest cannot be combined with a patch flag")
				}
				o, _, err := a.Ledger.ApplySuggested(c.Context, owner, id, owner)
				if err != nil {
					return err
				}
				out = o
			} else {
				patch, err := spec.Patch()
				if err != nil {
					return err
				}
				o, err := a.Ledger.Apply(c.Context, owner, id, patch, owner)
				if err != nil {
					return err
				}
				out = o
			}
			return p.Outcome(out.Conflict, out.Event, out.Action, out.NoOp)
		},
	}
}

func dismissCommand() *cli.Command {
	return &cli.Command{
		Name:      "dismiss",
		Usage:     "Accept a conflict without changing its event.",
		ArgsUsage: "<conflict-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Usage: "recorded as the resolution"},
		},
		Action: func(c *cli.Context) error {
			a, p, err := setup(c)
			if err != nil {
				return err
			}
			owner, err := ownerOf(c, a)
			if err != nil {
				return err
			}
			id, err := requireArg(c, "conflict id")
			if err != nil {
				return err
			}
			o, err := a.Ledger.Dismiss(c.Context, owner, id, owner, c.String("reason"))
			if err != nil {
				return err
			}
			return p.Outcome(o.Conflict, o.Event, o.Action, o.NoOp)
		},
	}
}

func undoCommand() *cli.Command {
	return &cli.Command{
		Name:      "undo",
		Usage:     "Revert a resolution using its undo token.",
		ArgsUsage: "<token>",
		Action: func(c *cli.Context) error {
			a, p, err := setup(c)
			if err != nil {
				return err
			}
			owner, err := ownerOf(c, a)
			if err != nil {
				return err
			}
			token, err := requireArg(c, "undo token")
			if err != nil {
				return err
			}
			o, err := a.Ledger.Undo(c.Context, owner, token, owner)
			if err != nil {
				return err
			}
			return p.Outcome(o.Conflict, o.Event, o.Action, o.NoOp)
		},
	}
}

func actionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "actions",
		Usage: "Show the action log.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "conflict", Usage: "only actions for this conflict"},
		},
		Action: func(c *cli.Context) error {
			a, p, err := setup(c)
			if err != nil {
				return err
			}
			owner, err := ownerOf(c, a)
			if err != nil {
				return err
			}
			as, err := a.Store.ListActions(c.Context, owner, c.String("conflict"))
			if err != nil {
				return err
			}
			return p.Actions(as)
		},
	}
}

func requireArg(c *cli.Context, what string) (string, error) {
	if c.NArg() != 1 {
		return "", apperr.Validation("cli", "expected exactly one argument: %s", what)
	}
	return c.Args().First(), nil
}

// parseEnd accepts an RFC 3339 time, or HH:MM on the given day.
func parseEnd(v, dateISO string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", dateISO+" "+v, loc)
	if err != nil {
		return time.Time{}, apperr.Validation("cli.resolve", "bad --new-end %q", v)
	}
	return t, nil
}
