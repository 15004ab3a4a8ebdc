//go:build unix && !linux && !darwin

package mcast

import "golang.org/x/sys/unix"

func setReuse(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func setBuffers(fd uintptr, size int) error { return nil }

func setDSCP(fd uintptr, dscp int) error { return nil }
