package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/pure-golang/bulkmail/bulk"
	"github.com/pure-golang/bulkmail/history"
	"github.com/pure-golang/bulkmail/logger"
	"github.com/pure-golang/bulkmail/progress"
	progressredis "github.com/pure-golang/bulkmail/progress/redis"
	"github.com/pure-golang/bulkmail/recipient"
)

func runBulk(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		msgFlags   messageFlags
		recipients string
		quiet      bool
	)
	fs := pflag.NewFlagSet("bulk", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	msgFlags.register(fs)
	fs.StringVarP(&recipients, "recipients", "r", "", "CSV or spreadsheet file with an email column")
	fs.BoolVarP(&quiet, "quiet", "q", false, "do not print progress")

	if code, done := parseFlags(fs, args); done {
		return code
	}
	if recipients == "" {
		fmt.Fprintln(stderr, "--recipients is required")
		return exitUsage
	}

	msg, err := msgFlags.build()
	if err != nil {
		return fail(stderr, err)
	}

	list, err := recipient.Load(recipients)
	if err != nil {
		return fail(stderr, err)
	}

	a, ctx, err := newApp(ctx, msgFlags.envFiles)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	sinks := progress.Multi{progress.NewLog(a.log, slog.LevelDebug)}
	if !quiet {
		sinks = append(sinks, terminalProgress(stderr))
	}
	if a.cfg.Progress.Addr != "" {
		pub, err := progressredis.Connect(ctx, a.cfg.Progress)
		if err != nil {
			logger.FromContextWithErr(ctx, err).Warn("progress publishing disabled")
		} else {
			a.add(pub)
			sinks = append(sinks, pub)
		}
	}

	store, err := a.openHistory(ctx)
	if err != nil {
		logger.FromContextWithErr(ctx, err).Warn("run history disabled")
	}

	sender := bulk.NewSender(a.cfg.transportFactory(), bulk.WithProgress(sinks))

	sum, runErr := sender.SendBulk(ctx, msg, list, msgFlags.provider)
	if sum == nil {
		return fail(stderr, runErr)
	}

	if store != nil {
		// The run context may be canceled already; the record is still wanted.
		if err := store.SaveRun(context.WithoutCancel(ctx), sum); err != nil {
			logger.FromContextWithErr(ctx, err).Warn("failed to save run history", "run_id", sum.RunID)
		}
	}

	printSummary(stdout, sum)

	if runErr != nil {
		return fail(stderr, runErr)
	}
	return exitOK
}

func runSend(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		msgFlags messageFlags
		to, name string
	)
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	msgFlags.register(fs)
	fs.StringVarP(&to, "to", "t", "", "recipient address")
	fs.StringVar(&name, "name", "", "recipient display name")

	if code, done := parseFlags(fs, args); done {
		return code
	}
	if to == "" {
		fmt.Fprintln(stderr, "--to is required")
		return exitUsage
	}

	msg, err := msgFlags.build()
	if err != nil {
		return fail(stderr, err)
	}

	a, ctx, err := newApp(ctx, msgFlags.envFiles)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	sender := bulk.NewSender(a.cfg.transportFactory())
	o, err := sender.SendOne(ctx, msg, recipient.Recipient{Email: to, Name: name}, msgFlags.provider)
	if err != nil {
		return fail(stderr, err)
	}

	if !o.Success {
		fmt.Fprintf(stderr, "failed to send to %s: %s\n", o.Email, o.Error)
		return exitError
	}

	fmt.Fprintf(stdout, "sent to %s, message id %s\n", o.Email, o.MessageID)
	return exitOK
}

func runHistory(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		runID    string
		limit    int
		envFiles []string
	)
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&runID, "run", "", "show the failed recipients of this run")
	fs.IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	fs.StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	if code, done := parseFlags(fs, args); done {
		return code
	}

	a, ctx, err := newApp(ctx, envFiles)
	if err != nil {
		return fail(stderr, err)
	}
	defer a.Close()

	if !a.cfg.History.Enabled() {
		return fail(stderr, errors.New("run history needs POSTGRES_HOST"))
	}

	store, err := a.openHistory(ctx)
	if err != nil {
		return fail(stderr, err)
	}

	if runID == "" {
		runs, err := store.Runs(ctx, limit)
		if err != nil {
			return fail(stderr, err)
		}
		printRuns(stdout, runs)
		return exitOK
	}

	run, err := store.Run(ctx, runID)
	if err != nil {
		return fail(stderr, err)
	}
	failures, err := store.Failures(ctx, runID)
	if err != nil {
		return fail(stderr, err)
	}
	printRuns(stdout, []history.Run{*run})
	printStoredFailures(stdout, failures)
	return exitOK
}

func runProviders(stdout io.Writer) int {
	printProviders(stdout, bulk.DefaultProviders())
	return exitOK
}

// parseFlags reports done when the command must stop: after --help or a bad flag.
func parseFlags(fs *pflag.FlagSet, args []string) (code int, done bool) {
	err := fs.Parse(args)
	switch {
	case err == nil:
		return exitOK, false
	case errors.Is(err, pflag.ErrHelp):
		return exitOK, true
	default:
		return exitUsage, true
	}
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "error: %s\n", err)
	if errors.Is(err, errUsage) {
		return exitUsage
	}
	return exitError
}
