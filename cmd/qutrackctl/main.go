// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Command qutrackctl is a standalone tool for building and inspecting
// quicken tables outside of a live traced process: point it at an ELF
// binary and it extracts and caches the resulting unwind table, or feeds
// the binary through the engine to print a synthetic allocation report.
package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	root := &ffcli.Command{
		Name:       "qutrackctl",
		ShortUsage: "qutrackctl <subcommand> [flags]",
		ShortHelp:  "Inspect and cache quicken unwind tables for ELF binaries",
		Subcommands: []*ffcli.Command{
			newBuildCmd(),
			newReportCmd(),
			newBatchCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
