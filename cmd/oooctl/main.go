// oooctl is the operator CLI: register or renew subscriptions, inspect health, reset a
// cursor, run a one-off sync, or tear a subscription down.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"ooo-mirror/app"
	"ooo-mirror/config"
	"ooo-mirror/subscription"
)

// buildFunc wires services for one command invocation.
type buildFunc func(ctx context.Context, logger zerolog.Logger) (*app.Services, error)

func main() {
	build := func(ctx context.Context, logger zerolog.Logger) (*app.Services, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		return app.Build(ctx, cfg, logger, app.Overrides{})
	}

	if err := newApp(build, os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "oooctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp(build buildFunc, out, logOut io.Writer) *cli.App {
	return &cli.App{
		Name:      "oooctl",
		Usage:     "Operate the OOO calendar mirror.",
		Writer:    out,
		ErrWriter: logOut,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "warn", EnvVars: []string{"OOOCTL_LOG_LEVEL"}, Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			registerCommand(build, logOut),
			statusCommand(build, logOut),
			resetCursorCommand(build, logOut),
			syncCommand(build, logOut),
			unregisterCommand(build, logOut),
		},
	}
}

// withServices runs fn against freshly wired services and closes them afterwards.
func withServices(c *cli.Context, build buildFunc, logOut io.Writer, fn func(svc *app.Services) error) error {
	logger := app.NewLogger(c.String("log-level"), "console", logOut)
	svc, err := build(c.Context, logger)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	defer svc.Close()
	return fn(svc)
}

// watchedArg returns the single calendar argument, refusing calendars that are not
// configured.
func watchedArg(c *cli.Context, svc *app.Services) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("%s takes exactly one calendar", c.Command.Name)
	}
	cal := strings.TrimSpace(c.Args().First())
	if !slices.Contains(app.CalendarIDs(svc.Config), cal) {
		return "", fmt.Errorf("calendar %q is not in TARGET_CALENDARS", cal)
	}
	return cal, nil
}

func registerCommand(build buildFunc, logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "register",
		Usage:     "Ensure a fresh push subscription for configured (or named) calendars.",
		ArgsUsage: "[calendar...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Replace subscriptions even when they are not near expiry."},
		},
		Action: func(c *cli.Context) error {
			return withServices(c, build, logOut, func(svc *app.Services) error {
				ids := app.CalendarIDs(svc.Config)
				if c.NArg() > 0 {
					ids = c.Args().Slice()
					for _, id := range ids {
						if !slices.Contains(app.CalendarIDs(svc.Config), id) {
							return fmt.Errorf("calendar %q is not in TARGET_CALENDARS", id)
						}
					}
				}

				outcomes := svc.Subscriptions.RunFor(c.Context, ids, c.Bool("force"))
				printOutcomes(c.App.Writer, outcomes)
				failed := 0
				for _, o := range outcomes {
					if o.Error != "" {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d subscription(s) failed", failed, len(outcomes))
				}
				return nil
			})
		},
	}
}

func statusCommand(build buildFunc, logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print subscription and sync health per calendar.",
		Action: func(c *cli.Context) error {
			return withServices(c, build, logOut, func(svc *app.Services) error {
				tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CALENDAR\tSTATE\tCHANNEL\tEXPIRES\tLAST SYNC\tDELIVERED\tFAILURES\tLAST ERROR")
				for _, cal := range app.CalendarIDs(svc.Config) {
					h, err := svc.Store.GetHealth(c.Context, cal)
					if err != nil {
						return err
					}
					delivered, err := svc.Ledger.Count(c.Context, cal)
					if err != nil {
						return err
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						cal, h.SubscriptionState, dash(h.ChannelID), when(h.Expiry), when(h.LastSyncAt),
						delivered, h.ConsecutiveFailures, dash(h.LastError))
				}
				return tw.Flush()
			})
		},
	}
}

func resetCursorCommand(build buildFunc, logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "reset-cursor",
		Usage:     "Clear a calendar's sync cursor so the next pass is a full resync.",
		ArgsUsage: "<calendar>",
		Action: func(c *cli.Context) error {
			return withServices(c, build, logOut, func(svc *app.Services) error {
				cal, err := watchedArg(c, svc)
				if err != nil {
					return err
				}
				if err := svc.Store.ResetCursor(c.Context, cal, "operator reset"); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "cursor cleared for %s\n", cal)
				return nil
			})
		},
	}
}

func syncCommand(build buildFunc, logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Run one sync pass for a calendar and wait for it.",
		ArgsUsage: "<calendar>",
		Action: func(c *cli.Context) error {
			return withServices(c, build, logOut, func(svc *app.Services) error {
				cal, err := watchedArg(c, svc)
				if err != nil {
					return err
				}
				report, err := svc.Orchestrator.SyncCalendar(c.Context, cal)
				fmt.Fprintf(c.App.Writer, "%s: events=%d rows=%d delivered=%d full_resync=%t cursor_advanced=%t\n",
					cal, report.Events, report.Rows, report.Delivered, report.FullResync, report.CursorAdvanced)
				return err
			})
		},
	}
}

func unregisterCommand(build buildFunc, logOut io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "unregister",
		Usage:     "Stop a calendar's push subscription and forget it.",
		ArgsUsage: "<calendar>",
		Action: func(c *cli.Context) error {
			return withServices(c, build, logOut, func(svc *app.Services) error {
				cal, err := watchedArg(c, svc)
				if err != nil {
					return err
				}
				if err := svc.Subscriptions.Teardown(c.Context, cal); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "subscription removed for %s\n", cal)
				return nil
			})
		},
	}
}

func printOutcomes(w io.Writer, outcomes []subscription.TickOutcome) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALENDAR\tRESULT\tCHANNEL\tEXPIRES")
	for _, o := range outcomes {
		result := "fresh"
		switch {
		case o.Error != "":
			result = "error: " + o.Error
		case o.Renewed:
			result = "renewed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.CalendarID, result, dash(o.ChannelID), when(o.Expiry))
	}
	tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
