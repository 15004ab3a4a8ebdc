//go:build windows

package mcast

import "golang.org/x/sys/windows"

// setReuse Windows не знает SO_REUSEPORT, SO_REUSEADDR ведет себя аналогично
func setReuse(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

func setBuffers(fd uintptr, size int) error {
	if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, size); err != nil {
		return err
	}
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF, size)
}

// setDSCP Windows игнорирует IP_TOS без групповой политики QoS, ошибку не возвращаем
func setDSCP(fd uintptr, dscp int) error {
	_ = windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_IP, windows.IP_TOS, dscp<<2)
	return nil
}
