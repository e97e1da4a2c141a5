//go:build !linux

package file

import (
	"os"

	"github.com/diskimage/fatfs/backend"
)

func deviceSize(_ *os.File) (int64, error) {
	return 0, backend.ErrNotSuitable
}
