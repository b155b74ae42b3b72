// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/qutrack/qutrack/alloctracker"
	"github.com/qutrack/qutrack/hooks"
	"github.com/qutrack/qutrack/imageregistry"
	"github.com/qutrack/qutrack/libqut"
	"github.com/qutrack/qutrack/report"
)

type reportCmd struct {
	binaryPath string
	mapBase    uint64
}

func newReportCmd() *ffcli.Command {
	args := &reportCmd{}

	set := flag.NewFlagSet("report", flag.ExitOnError)
	set.StringVar(&args.binaryPath, "binary", "", "Path of the ELF binary the synthetic image is built from")
	set.Uint64Var(&args.mapBase, "map-base", 0x400000, "Load address to pretend the binary is mapped at")

	return &ffcli.Command{
		Name:       "report",
		Exec:       args.exec,
		ShortUsage: "report -binary <path> [-map-base <addr>]",
		ShortHelp:  "Print a synthetic allocation report for one mapped image",
		FlagSet:    set,
	}
}

// exec builds a one-image registry and a single fake live allocation
// attributed to it, then prints the resulting report as JSON. There is
// no live traced process behind this command; it exists to exercise and
// demonstrate the report package's ranking/grouping logic against a
// real binary's path and size without a running target.
func (cmd *reportCmd) exec(context.Context, []string) error {
	if cmd.binaryPath == "" {
		return fmt.Errorf("-binary is required")
	}

	info, err := os.Stat(cmd.binaryPath)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	registry := imageregistry.New()
	mapSrc := staticMapSource{entries: []hooks.ProcessMapEntry{{
		Start: libqut.Address(cmd.mapBase),
		End:   libqut.Address(cmd.mapBase) + libqut.Address(info.Size()),
		Flags: hooks.MapExecutable,
		Path:  cmd.binaryPath,
	}}}
	if err := registry.Refresh(mapSrc); err != nil {
		return fmt.Errorf("refreshing image registry: %w", err)
	}

	heap, err := alloctracker.New(4, 1024)
	if err != nil {
		return fmt.Errorf("creating allocation tracker: %w", err)
	}
	pc := libqut.Address(cmd.mapBase) + 0x10
	stackHash := alloctracker.HashFrames([]libqut.Address{pc})
	heap.Insert(0x1, 4096, pc, stackHash, []libqut.Address{pc})

	doc := report.Build(registry, heap, nil, func(addr libqut.Address) string {
		return fmt.Sprintf("0x%x", uint64(addr))
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

type staticMapSource struct{ entries []hooks.ProcessMapEntry }

func (s staticMapSource) ReadMaps() ([]hooks.ProcessMapEntry, error) { return s.entries, nil }
