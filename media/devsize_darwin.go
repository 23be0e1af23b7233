package media

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	dkiocGetBlockSize  = 0x40046418 // _IOR('d', 24, uint32)
	dkiocGetBlockCount = 0x40086419 // _IOR('d', 25, uint64)
)

// deviceSize returns the length of a regular file or disk node. Disk nodes
// report 0 when seeking to the end, so they are asked for block size and
// count.
func deviceSize(f *os.File) (int64, error) {
	if size, err := f.Seek(0, io.SeekEnd); err == nil && size > 0 {
		_, err = f.Seek(0, io.SeekStart)
		return size, err
	}

	fd := int(f.Fd())
	blockSize, err := unix.IoctlGetInt(fd, dkiocGetBlockSize)
	if err != nil {
		return 0, errors.Wrap(err, "DKIOCGETBLOCKSIZE")
	}
	// darwin is 64-bit only, so int holds the uint64 count
	count, err := unix.IoctlGetInt(fd, dkiocGetBlockCount)
	if err != nil {
		return 0, errors.Wrap(err, "DKIOCGETBLOCKCOUNT")
	}
	return int64(uint32(blockSize)) * int64(count), nil
}
