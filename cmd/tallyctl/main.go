// Command tallyctl runs tally operations without the HTTP server.
//
//	tallyctl run -voting 5 [-token T]
//	tallyctl retry-dead
//	tallyctl stats
//	tallyctl apportion -seats 10 -methods dhondt,droop alpha=40 beta=25
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"evoting-tally/app"
	"evoting-tally/apportion"
	"evoting-tally/config"
	"evoting-tally/postproc"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runTally(ctx, os.Args[2:])
	case "retry-dead":
		err = withApp(func(a *app.App) error {
			n, err := a.Queue.RetryDeadLetters(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("requeued %d jobs\n", n)
			return nil
		})
	case "stats":
		err = withApp(func(a *app.App) error {
			return printJSON(a.Queue.Stats(ctx))
		})
	case "apportion":
		err = runApportion(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tallyctl run|retry-dead|stats|apportion [flags]")
}

func withApp(fn func(a *app.App) error) error {
	cfg := config.Load()
	app.NewLogger(cfg.Environment)
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func runTally(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	votingID := fs.Uint("voting", 0, "voting id")
	token := fs.String("token", "", "ballot store token (defaults to STORE_TOKEN)")
	_ = fs.Parse(args)
	if *votingID == 0 {
		return fmt.Errorf("-voting is required")
	}

	return withApp(func(a *app.App) error {
		v, err := a.Tally.Run(ctx, *votingID, *token)
		if err != nil {
			return err
		}
		slog.Info("tally finished", "voting_id", v.ID, "state", v.TallyState)
		if payload, ok := v.Results(); ok {
			return printJSON(payload)
		}
		return nil
	})
}

// runApportion reads name=votes pairs; options are numbered in argument order.
func runApportion(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("apportion", flag.ExitOnError)
	seats := fs.Int("seats", 10, "seats to distribute")
	methodList := fs.String("methods", "dhondt,sainte_lague,droop", "comma-separated methods")
	_ = fs.Parse(args)

	var methods []postproc.Method
	for _, name := range strings.Split(*methodList, ",") {
		m, err := postproc.ParseMethod(name)
		if err != nil {
			return err
		}
		methods = append(methods, m)
	}

	opts := make([]apportion.OptionVotes, 0, fs.NArg())
	for i, arg := range fs.Args() {
		name, count, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("expected name=votes, got %q", arg)
		}
		votes, err := strconv.ParseInt(count, 10, 64)
		if err != nil || votes < 0 {
			return fmt.Errorf("invalid vote count in %q", arg)
		}
		opts = append(opts, apportion.OptionVotes{Option: name, Number: int64(i + 1), Votes: votes})
	}

	results, err := postproc.Apply(ctx, opts, *seats, methods...)
	if err != nil {
		return err
	}
	return printJSON(results)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
