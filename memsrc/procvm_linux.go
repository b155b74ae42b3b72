// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package memsrc

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/qutrack/qutrack/libqut"
)

// ProcessVM implements SafeReader by issuing process_vm_readv syscalls
// against a remote process. It is the production-path safe reader: a
// failed read returns an error rather than delivering a partial read.
type ProcessVM struct {
	PID libqut.PID
}

func (vm ProcessVM) ReadSafe(addr libqut.Address, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	localIov := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remoteIov := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(buf)}}
	n, err := unix.ProcessVMReadv(int(vm.PID), localIov, remoteIov, 0)
	if err != nil {
		return fmt.Errorf("process_vm_readv pid %d at 0x%x: %w", vm.PID, addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("process_vm_readv pid %d at 0x%x: got %d of %d bytes",
			vm.PID, addr, n, len(buf))
	}
	return nil
}
