// Command bulkmail sends one message to a list of recipients read from a CSV or
// spreadsheet file, throttled per mail provider.
//
//	bulkmail bulk --recipients list.xlsx --subject "Hello" --text-file body.txt --provider gmail
//	bulkmail send --to ann@example.com --subject "Hello" --text "Hi"
//	bulkmail history [--run <id>]
//
// Transport and credentials come from the environment (MAIL_TRANSPORT, SMTP_*,
// AWS_*/SES_*), optionally loaded from a dotenv file.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usage = `Usage: bulkmail <command> [flags]

Commands:
  bulk      send a message to every recipient of a CSV or spreadsheet file
  send      send a message to a single address
  history   list past bulk runs, or the failures of one run
  providers list the built-in provider throttling table

Run "bulkmail <command> --help" for the flags of a command.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "bulk":
		return runBulk(ctx, rest, stdout, stderr)
	case "send":
		return runSend(ctx, rest, stdout, stderr)
	case "history":
		return runHistory(ctx, rest, stdout, stderr)
	case "providers":
		return runProviders(stdout)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitUsage
	}
}
