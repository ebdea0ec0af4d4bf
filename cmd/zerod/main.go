// Command zerod is a thin demo harness for the Zero dataflow engine: it
// wires an in-process sqlsource registry to the builder and view layers
// and exposes one query as a Server-Sent Events stream, while a
// conn.Manager/conn.Transport pair ingests storage changes pushed by a
// second process over a websocket. It is not a production zero-cache
// server: push/transform protocols, multi-tenant auth and telemetry stay
// out of scope, per SPEC_FULL.md.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"zerosync.dev/core/cmd/zerod/serve"
	tlog "zerosync.dev/core/log"
)

func main() {
	cmd := &cli.Command{
		Name:  "zerod",
		Usage: "demo harness for the Zero incremental view maintenance engine",
		Commands: []*cli.Command{
			serve.Command(),
		},
	}

	logger := tlog.New("zerod")
	slog.SetDefault(logger)

	ctx := context.Background()
	ctx = tlog.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
