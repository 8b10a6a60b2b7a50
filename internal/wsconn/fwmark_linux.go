//go:build linux

package wsconn

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setSocketMark(fd uintptr, mark uint32) error {
	if mark == 0 {
		return nil
	}
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		return fmt.Errorf("setsockopt SO_MARK=%d: %w", mark, err)
	}
	return nil
}
