package media

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

func getfsstat() []unix.Statfs_t {
	n, err := unix.Getfsstat(nil, unix.MNT_NOWAIT)
	if err != nil || n <= 0 {
		return nil
	}
	buf := make([]unix.Statfs_t, n)
	if _, err := unix.Getfsstat(buf, unix.MNT_NOWAIT); err != nil {
		return nil
	}
	return buf
}

func listMounts() []Mount {
	var out []Mount
	for _, st := range getfsstat() {
		out = append(out, Mount{
			MountPoint: filepath.Clean(unix.ByteSliceToString(st.Mntonname[:])),
			Device:     unix.ByteSliceToString(st.Mntfromname[:]),
			FSType:     unix.ByteSliceToString(st.Fstypename[:]),
			Size:       int64(st.Blocks) * int64(st.Bsize),
		})
	}
	return out
}

func deviceForMount(target string) (string, string) {
	for _, m := range listMounts() {
		if m.MountPoint == target {
			return m.Device, m.MountPoint
		}
	}
	return "", ""
}
