package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"gridsync/pkg/gridsync"
)

const version = "0.1.0"

func main() {
	addr := flag.String("addr", "http://localhost:9464", "gridsyncd HTTP address")
	dataset := flag.String("dataset", "", "filter ledger by dataset id")
	status := flag.String("status", "", "filter ledger by status (comma separated)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gridsyncctl [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  health     Check gridsyncd health\n")
		fmt.Fprintf(os.Stderr, "  ledger     List run ledger entries\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := gridsync.NewClient(*addr)

	switch flag.Arg(0) {
	case "version":
		fmt.Printf("gridsyncctl %s\n", version)

	case "health":
		ok, err := c.Healthy(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Println("not serving")
			os.Exit(1)
		}
		fmt.Println("serving")

	case "ledger":
		var statuses []string
		if *status != "" {
			statuses = append(statuses, *status)
		}
		entries, err := c.Ledger(ctx, *dataset, statuses...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "listing ledger: %v\n", err)
			os.Exit(1)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DATASET\tWINDOW START\tWINDOW END\tSTATUS\tATTEMPTS\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", e.Dataset,
				e.WindowStart.Format(time.RFC3339), e.WindowEnd.Format(time.RFC3339),
				e.Status, e.AttemptCount, e.LastError)
		}
		tw.Flush()

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}
