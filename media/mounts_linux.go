package media

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const mountsFile = "/proc/self/mounts"

// readMounts parses a mounts table: <src> <target> <fstype> <opts> ...
func readMounts(path string) []Mount {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Mount
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		out = append(out, Mount{Device: fields[0], MountPoint: filepath.Clean(fields[1]), FSType: fields[2]})
	}
	return out
}

func listMounts() []Mount {
	var out []Mount
	for _, m := range readMounts(mountsFile) {
		if !strings.HasPrefix(m.Device, "/dev/") {
			continue
		}
		var st unix.Statfs_t
		if unix.Statfs(m.MountPoint, &st) == nil {
			m.Size = int64(st.Blocks) * int64(st.Bsize)
		}
		out = append(out, m)
	}
	return out
}

func deviceForMount(target string) (string, string) {
	for _, m := range readMounts(mountsFile) {
		if m.MountPoint == target {
			return m.Device, m.MountPoint
		}
	}
	return "", ""
}
