// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type batchCmd struct {
	binaryPaths string
	cacheDir    string
	cacheSize   uint64
	concurrency int
}

func newBatchCmd() *ffcli.Command {
	args := &batchCmd{}

	set := flag.NewFlagSet("batch", flag.ExitOnError)
	set.StringVar(&args.binaryPaths, "binaries", "", "Comma-separated list of ELF binaries to build tables for")
	set.StringVar(&args.cacheDir, "cache-dir", "", "Table cache directory")
	set.Uint64Var(&args.cacheSize, "cache-size", 64<<20, "Table cache size limit in bytes")
	set.IntVar(&args.concurrency, "concurrency", 4, "Maximum number of binaries extracted in parallel")

	return &ffcli.Command{
		Name:       "batch",
		Exec:       args.exec,
		ShortUsage: "batch -binaries <path,path,...> [-cache-dir <dir>]",
		ShortHelp:  "Build quicken tables for several binaries concurrently",
		FlagSet:    set,
	}
}

// exec fans out one buildCmd per binary, bounding in-flight extractions to
// -concurrency so a large batch doesn't open every ELF file at once.
func (cmd *batchCmd) exec(ctx context.Context, _ []string) error {
	if cmd.binaryPaths == "" {
		return fmt.Errorf("-binaries is required")
	}
	paths := strings.Split(cmd.binaryPaths, ",")

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(cmd.concurrency)

	for _, p := range paths {
		p := strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g.Go(func() error {
			b := &buildCmd{binaryPath: p, cacheDir: cmd.cacheDir, cacheSize: cmd.cacheSize}
			table, key, err := b.buildTable()
			if err != nil {
				log.Errorf("%s: %v", p, err)
				return err
			}
			fmt.Printf("%s: key=%s records=%d\n", p, key, len(table.Records))
			return nil
		})
	}
	return g.Wait()
}
