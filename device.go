package main

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"diskimager/media"
)

func sizeString(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

func printDevices(w io.Writer, devs []media.Device, mounts []media.Mount, all bool) {
	fmt.Fprintf(w, "OS: %s\n", runtime.GOOS)
	fmt.Fprintln(w, "This is a SAFE, read-only listing.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Whole drives (usable as --src, --dest or --device):")
	fmt.Fprintf(w, "  %-22s  %-12s  %-20s  %-8s\n", "Path", "Type", "Serial", "Size")
	printed := false
	for _, d := range devs {
		if !d.Compatible {
			continue
		}
		fmt.Fprintf(w, "  %-22s  %-12s  %-20s  %-8s\n", d.Path, d.Type, d.Serial, sizeString(d.Size))
		printed = true
	}
	if !printed {
		fmt.Fprintln(w, "  <none detected>")
	}
	fmt.Fprintln(w)

	if all {
		fmt.Fprintln(w, "Partitions and other nodes:")
		for _, d := range devs {
			if d.Compatible {
				continue
			}
			reason := d.Reason
			if strings.TrimSpace(reason) == "" {
				reason = "not a whole-disk device"
			}
			fmt.Fprintf(w, "  %s  (%s)\n", d.Path, reason)
		}
		fmt.Fprintln(w)
	}

	if len(mounts) > 0 {
		fmt.Fprintln(w, "Mounted volumes:")
		fmt.Fprintf(w, "  %-24s  %-14s  %-18s  %-8s\n", "Mount", "FS", "Device", "Size")
		for _, m := range mounts {
			fmt.Fprintf(w, "  %-24s  %-14s  %-18s  %-8s\n", m.MountPoint, m.FSType, m.Device, sizeString(m.Size))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Notes:")
	switch runtime.GOOS {
	case "darwin":
		fmt.Fprintln(w, "  - Whole disks are /dev/diskN; /dev/rdiskN is faster for raw copies. Unmount volumes first (diskutil unmountDisk).")
	case "linux":
		fmt.Fprintln(w, "  - Whole disks: /dev/sdX, /dev/vdX, /dev/nvmeXnY, /dev/mmcblkX. Partitions can be copied but are listed separately.")
	case "windows":
		fmt.Fprintln(w, `  - Drives are \\.\PhysicalDriveN. Volumes on a drive are locked and dismounted while it is written.`)
	}
}

func printPathInfo(w io.Writer, info media.PathInfo) {
	fmt.Fprintln(w, "Path info")
	fmt.Fprintf(w, "  Input:   %s\n", info.Input)
	fmt.Fprintf(w, "  Device:  %s\n", info.Device)
	if info.MountPoint != "" {
		fmt.Fprintf(w, "  Mounted: %s\n", info.MountPoint)
	}
	fmt.Fprintf(w, "  Whole:   %s\n", info.Whole)
	if info.Size >= 0 {
		fmt.Fprintf(w, "  Size:    %s (%d bytes)\n", humanize.IBytes(uint64(info.Size)), info.Size)
	}
	if typ := media.MediaTypeBySize(info.Size); typ != "" {
		fmt.Fprintf(w, "  Media:   %s\n", typ)
	}
}

func (a *app) deviceCommand() *cobra.Command {
	// Device discovery command (read-only)
	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Device related utilities (safe, read-only)",
	}

	var listAll bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List drives and mounted volumes (read-only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			devs, err := media.Discover(cmd.Context())
			if err != nil {
				return err
			}
			printDevices(cmd.OutOrStdout(), devs, media.Mounts(), listAll)
			return nil
		},
	}
	listCmd.Flags().BoolVar(&listAll, "all", false, "include partitions and other non-whole devices")

	var infoPath string
	infoCmd := &cobra.Command{
		Use:   "info --path <mountpoint or device>",
		Short: "Show detailed info about a mount point or device (read-only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(infoPath) == "" {
				return fmt.Errorf("--path is required")
			}
			info, err := media.Resolve(infoPath)
			if err != nil {
				return err
			}
			printPathInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}
	infoCmd.Flags().StringVar(&infoPath, "path", "", "mount point (e.g. /Volumes/XYZ) or device path (e.g. /dev/disk2)")
	_ = infoCmd.MarkFlagRequired("path")

	deviceCmd.AddCommand(listCmd)
	deviceCmd.AddCommand(infoCmd)
	return deviceCmd
}
