//go:build linux

package numa

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mpolPreferred is MPOL_PREFERRED from <linux/mempolicy.h>.
const mpolPreferred = 1

// Pin wires the calling goroutine to its OS thread, restricts that thread to
// the cpus of node and makes node the preferred memory node.
//
// A memory policy failure is reported as ErrMemoryPolicy, the cpu affinity
// is in effect in that case.
//
// The goroutine stays locked to the thread on return, also when only the
// memory policy failed, so the runtime discards the thread once the goroutine
// exits instead of handing a restricted thread to other goroutines. If the
// affinity could not be applied the thread is unlocked again.
func Pin(node int) error {
	cpus, err := NodeCPUs(SysfsRoot, node)
	if err != nil {
		return err
	}
	if len(cpus) == 0 {
		return fmt.Errorf("node %d has no cpus", node)
	}

	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("failed to set affinity to node %d: %w", node, err)
	}

	if err := preferNode(node); err != nil {
		return fmt.Errorf("node %d: %w: %w", node, ErrMemoryPolicy, err)
	}
	return nil
}

func preferNode(node int) error {
	if node < 0 {
		return errors.New("negative node")
	}
	mask := make([]uint64, node/64+1)
	mask[node/64] |= 1 << (uint(node) % 64)

	// the kernel reads maxnode-1 bits
	_, _, errno := unix.Syscall(unix.SYS_SET_MEMPOLICY,
		uintptr(mpolPreferred),
		uintptr(unsafe.Pointer(&mask[0])),
		uintptr(len(mask)*64+1),
	)
	runtime.KeepAlive(mask)
	if errno != 0 {
		return errno
	}
	return nil
}
