package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Device is a drive found by Discover. Only whole drives are Compatible;
// partitions and loop devices are listed with a Reason.
type Device struct {
	Path       string
	Compatible bool
	Reason     string

	Type   string
	Serial string
	Size   int64
}

// Mount is a mounted volume.
type Mount struct {
	MountPoint string
	Device     string
	FSType     string
	Size       int64
}

// Mounts lists the mounted volumes of this system.
func Mounts() []Mount { return listMounts() }

// Discover lists the drives of this system. Details of compatible drives
// are probed concurrently; a drive that cannot be opened keeps Size -1.
func Discover(ctx context.Context) ([]Device, error) {
	var (
		devs []Device
		err  error
	)
	switch runtime.GOOS {
	case "darwin":
		devs, err = discoverDarwin("/dev")
	case "linux":
		devs, err = discoverLinux("/dev")
	case "windows":
		devs = discoverWindows()
	default:
		return nil, errors.Errorf("unsupported OS: %s", runtime.GOOS)
	}
	if err != nil {
		return nil, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range devs {
		if !devs[i].Compatible {
			continue
		}
		d := &devs[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			d.Type, d.Serial, d.Size = deviceDetails(d.Path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return devs, nil
}

func discoverDarwin(dir string) ([]Device, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}
	var out []Device
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "disk") && !strings.HasPrefix(name, "rdisk") {
			continue
		}
		d := Device{Path: filepath.Join(dir, name), Compatible: true, Size: -1}
		if darwinSlice(name) > 0 {
			d.Compatible, d.Reason = false, "partition"
		}
		out = append(out, d)
	}
	return out, nil
}

// darwinSlice returns the index of the slice suffix of diskNsM, or -1.
func darwinSlice(name string) int {
	for i := 0; i+1 < len(name); i++ {
		if name[i] == 's' && name[i+1] >= '0' && name[i+1] <= '9' {
			return i
		}
	}
	return -1
}

func discoverLinux(dir string) ([]Device, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", dir)
	}
	var out []Device
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(dir, name)
		switch {
		case IsWholeLinuxDevice(name):
			out = append(out, Device{Path: path, Compatible: true, Size: -1})
		case IsLinuxPartition(name):
			out = append(out, Device{Path: path, Reason: "partition", Size: -1})
		case strings.HasPrefix(name, "loop"):
			out = append(out, Device{Path: path, Reason: "loop device", Size: -1})
		}
	}
	return out, nil
}

// IsWholeLinuxDevice matches sdX, vdX, nvmeXnY and mmcblkX.
func IsWholeLinuxDevice(name string) bool {
	if len(name) == 3 && (strings.HasPrefix(name, "sd") || strings.HasPrefix(name, "vd")) && name[2] >= 'a' && name[2] <= 'z' {
		return true
	}
	if rest, ok := strings.CutPrefix(name, "nvme"); ok && !strings.Contains(rest, "p") {
		ctrl, ns, found := strings.Cut(rest, "n")
		return found && ctrl != "" && ns != ""
	}
	if rest, ok := strings.CutPrefix(name, "mmcblk"); ok {
		return rest != "" && !strings.Contains(rest, "p") && !strings.HasSuffix(rest, "rpmb") && !strings.Contains(rest, "boot")
	}
	return false
}

// IsLinuxPartition matches sdXN, vdXN, nvmeXnYpZ and mmcblkXpZ.
func IsLinuxPartition(name string) bool {
	if (strings.HasPrefix(name, "sd") || strings.HasPrefix(name, "vd")) && len(name) >= 4 {
		last := name[len(name)-1]
		return last >= '0' && last <= '9'
	}
	if rest, ok := strings.CutPrefix(name, "nvme"); ok {
		return strings.Contains(rest, "n") && strings.Contains(rest, "p")
	}
	if rest, ok := strings.CutPrefix(name, "mmcblk"); ok {
		return strings.Contains(rest, "p")
	}
	return false
}

func discoverWindows() []Device {
	var out []Device
	for i := range 32 {
		path := fmt.Sprintf(`\\.\PhysicalDrive%d`, i)
		f, err := os.Open(path)
		if err == nil {
			f.Close()
			out = append(out, Device{Path: path, Compatible: true, Size: -1})
		} else if i < 8 {
			out = append(out, Device{Path: path, Reason: "not accessible", Size: -1})
		}
	}
	return out
}

// deviceDetails returns the type, serial and size of a drive.
func deviceDetails(path string) (string, string, int64) {
	dtype, serial := "Disk", "-"
	size := int64(-1)

	switch runtime.GOOS {
	case "linux":
		sysPath := filepath.Join("/sys/block", filepath.Base(path))
		if _, err := os.Stat(sysPath); err != nil {
			sysPath = filepath.Join("/sys/class/block", filepath.Base(path))
		}
		if b, err := os.ReadFile(filepath.Join(sysPath, "removable")); err == nil {
			if strings.TrimSpace(string(b)) == "1" {
				dtype = "Removable Disk"
			} else {
				dtype = "Fixed Disk"
			}
		}
		if b, err := os.ReadFile(filepath.Join(sysPath, "device", "serial")); err == nil {
			serial = strings.TrimSpace(string(b))
		}
	case "windows":
		dtype = "PhysicalDrive"
	}

	if f, err := os.Open(path); err == nil {
		if sz, err := deviceSize(f); err == nil {
			size = sz
		}
		f.Close()
	}
	if MediaTypeBySize(size) != "" {
		dtype = "Floppy"
	}
	return dtype, serial, size
}

// MediaTypeBySize names the floppy format of the canonical sizes.
func MediaTypeBySize(size int64) string {
	switch size {
	case 360 * humanize.KiByte:
		return "360K floppy"
	case 720 * humanize.KiByte:
		return "720K floppy"
	case 1200 * humanize.KiByte:
		return "1.2M floppy"
	case 1440 * humanize.KiByte:
		return "1.44M floppy"
	case 2880 * humanize.KiByte:
		return "2.88M floppy"
	default:
		return ""
	}
}

// PathInfo describes what a mount point or device path refers to.
type PathInfo struct {
	Input      string
	Device     string
	MountPoint string
	Whole      string
	Size       int64
}

// Resolve maps a mount point or device path to its device and the whole
// drive holding it.
func Resolve(p string) (PathInfo, error) {
	info := PathInfo{Input: p, Size: -1}
	if IsPhysicalDrive(p) {
		info.Device = p
	} else {
		dev, mnt := deviceForMount(filepath.Clean(p))
		if dev == "" {
			return info, errors.Errorf("cannot resolve device for %s", p)
		}
		info.Device, info.MountPoint = dev, mnt
	}
	info.Whole = WholeDevice(runtime.GOOS, info.Device)

	if f, err := os.Open(info.Whole); err == nil {
		if sz, err := deviceSize(f); err == nil {
			info.Size = sz
		}
		f.Close()
	}
	return info, nil
}

// WholeDevice trims the partition suffix of dev on goos: diskNsM becomes
// diskN, sdXN becomes sdX, nvmeXnYpZ becomes nvmeXnY.
func WholeDevice(goos, dev string) string {
	base := filepath.Base(dev)
	dir := filepath.Dir(dev)
	switch goos {
	case "darwin":
		if i := darwinSlice(base); i > 0 {
			return filepath.Join(dir, base[:i])
		}
	case "linux":
		if !IsLinuxPartition(base) {
			return dev
		}
		if i := strings.LastIndexByte(base, 'p'); i > 0 && (strings.HasPrefix(base, "nvme") || strings.HasPrefix(base, "mmcblk")) {
			return filepath.Join(dir, base[:i])
		}
		return filepath.Join(dir, strings.TrimRight(base, "0123456789"))
	}
	return dev
}
