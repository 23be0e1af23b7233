//go:build windows

package media

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const (
	fsctlLockVolume             = 0x90018
	fsctlDismountVolume         = 0x90020
	fsctlUnlockVolume           = 0x9001c
	ioctlStorageGetDeviceNumber = 0x2D1080
	ioctlDiskGetLengthInfo      = 0x7405C
	fileFlagWriteThrough        = 0x80000000
)

type storageDeviceNumber struct {
	DeviceType      uint32
	DeviceNumber    uint32
	PartitionNumber uint32
}

// driveLetter returns the letter of a \\.\X: path.
func driveLetter(p string) (string, bool) {
	if len(p) < 6 || !strings.HasPrefix(p, `\\.\`) || p[5] != ':' {
		return "", false
	}
	l := strings.ToUpper(p[4:5])
	if l < "A" || l > "Z" {
		return "", false
	}
	return l, true
}

func ioctl(h windows.Handle, code uint32, out unsafe.Pointer, outSize uint32) error {
	var returned uint32
	return windows.DeviceIoControl(h, code, nil, 0, (*byte)(out), outSize, &returned, nil)
}

// normalizeDevicePath maps \\.\X: to the \\.\PhysicalDriveN holding it.
// Paths that cannot be mapped are returned unchanged.
func normalizeDevicePath(p string) string {
	l, ok := driveLetter(p)
	if !ok {
		return p
	}
	h, err := windows.CreateFile(
		windows.StringToUTF16Ptr(`\\.\`+l+`:`),
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return p
	}
	defer windows.CloseHandle(h)

	var out storageDeviceNumber
	if err := ioctl(h, ioctlStorageGetDeviceNumber, unsafe.Pointer(&out), uint32(unsafe.Sizeof(out))); err != nil {
		return p
	}
	return fmt.Sprintf(`\\.\PhysicalDrive%d`, out.DeviceNumber)
}

// lockVolume locks and dismounts the volume behind a drive letter path so
// the raw device can be written. The returned func unlocks it.
func lockVolume(devicePath string) (func(), error) {
	l, ok := driveLetter(devicePath)
	if !ok {
		return func() {}, nil
	}
	volumePath := `\\.\` + l + `:`

	h, err := windows.CreateFile(
		windows.StringToUTF16Ptr(volumePath),
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "open volume %s (administrator rights needed)", volumePath)
	}

	if err := ioctl(h, fsctlLockVolume, nil, 0); err != nil {
		windows.CloseHandle(h)
		if err == windows.ERROR_NOT_SUPPORTED {
			return func() {}, nil
		}
		return nil, errors.Wrapf(err, "lock volume %s (close programs using it)", volumePath)
	}

	unlock := func() {
		_ = ioctl(h, fsctlUnlockVolume, nil, 0)
		windows.CloseHandle(h)
	}
	if err := ioctl(h, fsctlDismountVolume, nil, 0); err != nil {
		unlock()
		if err != windows.ERROR_NOT_SUPPORTED && err != windows.ERROR_NOT_LOCKED {
			return nil, errors.Wrapf(err, "dismount volume %s", volumePath)
		}
		return func() {}, nil
	}
	return unlock, nil
}

// openDevice opens a raw drive. A drive letter path opens the physical
// drive holding the volume. Writable drives are opened exclusively with
// write-through after their volume is locked.
func openDevice(path string, write bool) (*os.File, func(), error) {
	access := uint32(windows.GENERIC_READ)
	share := uint32(windows.FILE_SHARE_READ | windows.FILE_SHARE_WRITE)
	var flags uint32
	release := func() {}

	if write {
		unlock, err := lockVolume(path)
		if err != nil {
			return nil, nil, err
		}
		release = unlock
		access |= windows.GENERIC_WRITE
		share = 0
		flags = fileFlagWriteThrough
	}
	path = normalizeDevicePath(path)

	h, err := windows.CreateFile(windows.StringToUTF16Ptr(path), access, share, nil, windows.OPEN_EXISTING, flags, 0)
	if err != nil {
		release()
		return nil, nil, errors.Wrapf(err, "open device %s (run as administrator, close programs using the drive)", path)
	}
	f := os.NewFile(uintptr(h), path)
	if f == nil {
		windows.CloseHandle(h)
		release()
		return nil, nil, errors.Errorf("open device %s: invalid handle", path)
	}
	return f, release, nil
}

// deviceSize returns the length of a regular file or raw drive.
func deviceSize(f *os.File) (int64, error) {
	if st, err := f.Stat(); err == nil && st.Mode().IsRegular() {
		return st.Size(), nil
	}
	var length int64
	if err := ioctl(windows.Handle(f.Fd()), ioctlDiskGetLengthInfo, unsafe.Pointer(&length), 8); err != nil {
		return 0, errors.Wrap(err, "IOCTL_DISK_GET_LENGTH_INFO")
	}
	return length, nil
}

func driveTypeString(t uint32) string {
	switch t {
	case windows.DRIVE_REMOVABLE:
		return "removable"
	case windows.DRIVE_FIXED:
		return "fixed"
	case windows.DRIVE_REMOTE:
		return "network"
	case windows.DRIVE_CDROM:
		return "cdrom"
	case windows.DRIVE_RAMDISK:
		return "ramdisk"
	default:
		return "unknown"
	}
}

func listMounts() []Mount {
	var out []Mount
	for l := 'A'; l <= 'Z'; l++ {
		root := fmt.Sprintf(`%c:\`, l)
		p, _ := windows.UTF16PtrFromString(root)
		t := windows.GetDriveType(p)
		if t == windows.DRIVE_UNKNOWN || t == windows.DRIVE_NO_ROOT_DIR {
			continue
		}
		var total uint64
		_ = windows.GetDiskFreeSpaceEx(p, nil, &total, nil)
		out = append(out, Mount{
			MountPoint: root,
			Device:     fmt.Sprintf(`\\.\%c:`, l),
			FSType:     driveTypeString(t),
			Size:       int64(total),
		})
	}
	return out
}

func deviceForMount(target string) (string, string) {
	if len(target) >= 2 && target[1] == ':' {
		return normalizeDevicePath(`\\.\` + strings.ToUpper(target[:1]) + `:`), target
	}
	return "", ""
}
