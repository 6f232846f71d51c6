// Command scanlog-import uploads offline gate scan logs collected from devices.
//
//	scanlog-import --file logs.json
//
// The file holds a JSON array of logs; the summary is printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-settlement/internal/bootstrap"
	"github.com/robertarktes/ticket-settlement/internal/config"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/scan"
	"github.com/robertarktes/ticket-settlement/internal/signature"
	"github.com/spf13/pflag"
)

func main() {
	file := pflag.StringP("file", "f", "-", "JSON array of offline scan logs, - for stdin")
	dsn := pflag.String("dsn", "", "CockroachDB DSN, overrides CRDB_DSN")
	pflag.Parse()

	if *dsn != "" {
		os.Setenv("CRDB_DSN", *dsn)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := run(context.Background(), cfg, *file, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config, file string, out io.Writer) error {
	logs, err := readLogs(file)
	if err != nil {
		return err
	}

	logger := observability.NewNopLogger()
	rt, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sig, err := signature.New(cfg.SignatureSecret)
	if err != nil {
		return err
	}
	summary, err := scan.NewService(rt.Store, sig, rt.Audit, logger).ImportLogs(ctx, logs)
	if err != nil {
		return errors.Wrap(err, "import scan logs")
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func readLogs(file string) ([]scan.OfflineLog, error) {
	var r io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var logs []scan.OfflineLog
	if err := json.NewDecoder(r).Decode(&logs); err != nil {
		return nil, errors.Wrapf(err, "decode %s", file)
	}
	if len(logs) == 0 {
		return nil, errors.Newf("%s holds no scan logs", file)
	}
	return logs, nil
}
