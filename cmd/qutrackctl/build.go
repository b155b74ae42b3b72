// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"debug/elf"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/qutrack/qutrack/libqut"
	"github.com/qutrack/qutrack/quicken"
	"github.com/qutrack/qutrack/tablecache"
)

type buildCmd struct {
	binaryPath string
	cacheDir   string
	cacheSize  uint64
}

func newBuildCmd() *ffcli.Command {
	args := &buildCmd{}

	set := flag.NewFlagSet("build", flag.ExitOnError)
	set.StringVar(&args.binaryPath, "binary", "", "Path of the ELF binary to extract a quicken table from")
	set.StringVar(&args.cacheDir, "cache-dir", "", "Table cache directory (built table is reused across runs)")
	set.Uint64Var(&args.cacheSize, "cache-size", 64<<20, "Table cache size limit in bytes")

	return &ffcli.Command{
		Name:       "build",
		Exec:       args.exec,
		ShortUsage: "build -binary <path> [-cache-dir <dir>]",
		ShortHelp:  "Extract (or reuse a cached) quicken table for an ELF binary",
		FlagSet:    set,
	}
}

func (cmd *buildCmd) exec(context.Context, []string) error {
	if cmd.binaryPath == "" {
		return fmt.Errorf("-binary is required")
	}

	table, key, err := cmd.buildTable()
	if err != nil {
		return err
	}

	fmt.Printf("key=%s arch=%d records=%d pool_bytes=%d build_id=%q\n",
		key, table.Arch, len(table.Records), len(table.InstructionPool), string(table.BuildID))
	return nil
}

// buildTable extracts a quicken table for cmd.binaryPath, routing the
// build through a tablecache.Cache when -cache-dir is set so repeated
// invocations against the same binary reuse the on-disk copy.
func (cmd *buildCmd) buildTable() (*quicken.Table, string, error) {
	f, err := elf.Open(cmd.binaryPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening ELF: %w", err)
	}
	defer f.Close()

	info, err := os.Stat(cmd.binaryPath)
	if err != nil {
		return nil, "", fmt.Errorf("stat: %w", err)
	}
	fileID := libqut.NewFileID(cmd.binaryPath, uint64(info.Size()), 0)

	buildFunc := func() (*quicken.Table, error) {
		return quicken.ExtractELF(f)
	}

	if cmd.cacheDir == "" {
		table, err := buildFunc()
		if err != nil {
			return nil, "", err
		}
		return table, tablecache.Key(fileID, table.BuildID), nil
	}

	cache, err := tablecache.New(cmd.cacheDir, cmd.cacheSize)
	if err != nil {
		return nil, "", fmt.Errorf("opening table cache: %w", err)
	}

	// The build-id isn't known until extraction runs, so the table is
	// cached and looked up under the file-id key only; the build-id key is
	// computed for the caller but never used to find an entry.
	probeKey := tablecache.Key(fileID, "")
	table, err := cache.Build(probeKey, buildFunc)
	if err != nil {
		return nil, "", fmt.Errorf("building table: %w", err)
	}
	return table, tablecache.Key(fileID, table.BuildID), nil
}
