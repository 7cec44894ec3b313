package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noah-isme/planbox/internal/app"
	"github.com/noah-isme/planbox/internal/common"
	"github.com/noah-isme/planbox/internal/config"
	"github.com/noah-isme/planbox/internal/obs"
)

// redrive inspects and repairs deliveries from an operator shell.
// Exit code 0 = ok, 1 = operation failed, 2 = usage or setup error.
func main() {
	paymentID := flag.String("payment", "", "payment id of the delivery")
	action := flag.String("action", "show", "show, retry or rollback")
	reason := flag.String("reason", "operator rollback", "reason recorded on rollback")
	operator := flag.String("operator", os.Getenv("USER"), "operator name recorded in logs")
	slaTick := flag.Bool("sla-tick", false, "run one SLA monitor scan and exit")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	flag.Parse()

	if !*slaTick && *paymentID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.MustLoad()
	logger := obs.NewLogger("console", cfg.Obs.LogLevel, "planbox-redrive").With().Str("operator", *operator).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	ctx = common.WithOperator(ctx, *operator)

	infra, err := app.Connect(ctx, cfg, "planbox-redrive", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redrive: %v\n", err)
		os.Exit(2)
	}
	defer infra.Close(logger)
	a, err := app.Wire(ctx, cfg, *infra, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redrive: %v\n", err)
		os.Exit(2)
	}

	var out any
	switch {
	case *slaTick:
		out, err = a.Monitor.Tick(ctx)
	case *action == "show":
		out, err = a.Infra.Store.GetDeliveryJob(ctx, *paymentID)
	case *action == "retry":
		out, err = a.Saga.Resume(ctx, *paymentID)
	case *action == "rollback":
		out, err = a.Saga.Rollback(ctx, *paymentID, *reason)
	default:
		fmt.Fprintf(os.Stderr, "redrive: unknown action %q\n", *action)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "redrive: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
