package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diskimager/media"
	"diskimager/retrodfrg"
	"diskimager/transfer"
)

// transferFlags are the options shared by copy, verify and convert.
type transferFlags struct {
	src, dest  string
	size       byteSize
	srcOffset  byteSize
	destOffset byteSize

	skipZero   bool
	verify     bool
	force      bool
	retries    int
	bufferSize byteSize

	layer     bool
	layerFile string
	mmap      bool
	byteSwap  bool
	cache     byteSize
	confirm   bool
}

func (a *app) newTransferFlags() *transferFlags {
	return &transferFlags{retries: a.config.Retries, bufferSize: a.config.BufferSize}
}

// options returns the engine options for f. obs receives the progress.
func (a *app) options(f *transferFlags, obs transfer.Observer) []transfer.Option {
	return []transfer.Option{
		transfer.WithBufferSize(int(f.bufferSize)),
		transfer.WithRetries(f.retries),
		transfer.WithForce(f.force),
		transfer.WithVerify(f.verify),
		transfer.WithObserver(obs),
		transfer.WithLogger(a.logger),
	}
}

// present starts the progress display for op. The returned context is
// cancelled when the fullscreen view is stopped with q, Esc or Ctrl+C.
func (a *app) present(ctx context.Context, op operation) (context.Context, presenter, func()) {
	ctx, cancel := context.WithCancel(ctx)
	p, ui := newPresenter(a.ui, op, a.logger)
	if ui != nil {
		go watchStop(ctx, ui, cancel)
	}
	return ctx, p, func() {
		cancel()
		p.Done()
	}
}

func watchStop(ctx context.Context, ui *retrodfrg.UI, cancel context.CancelFunc) {
	select {
	case <-ui.Stopped():
		cancel()
	case <-ctx.Done():
	}
}

func closeMedia(m *media.Media, err *error) {
	if cerr := m.Close(); cerr != nil && *err == nil {
		*err = fmt.Errorf("close %s: %w", m.Path, cerr)
	}
}

// bounded returns the explicit size, or what src holds past offset.
func bounded(size byteSize, src *media.Media, offset int64) (int64, error) {
	if size > 0 {
		return int64(size), nil
	}
	if src.Size == 0 {
		return 0, nil
	}
	if offset > src.Size {
		return 0, fmt.Errorf("offset %d is past the end of %s (%d bytes)", offset, src.Path, src.Size)
	}
	return src.Size - offset, nil
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

func (f *transferFlags) destOptions() media.Options {
	return media.Options{Layered: f.layer, Persist: f.layerFile, ByteSwap: f.byteSwap, Cache: int(f.cache)}
}

func (a *app) checkConfirm(f *transferFlags) error {
	if media.IsPhysicalDrive(f.dest) && !f.confirm {
		return fmt.Errorf("--confirm is required to write to physical drive %s", f.dest)
	}
	return nil
}

func (a *app) runCopy(ctx context.Context, f *transferFlags) (err error) {
	if err := a.checkConfirm(f); err != nil {
		return err
	}
	p := a.provider()
	srcOffset, destOffset := int64(f.srcOffset), int64(f.destOffset)
	destOpts := f.destOptions()

	var src, dst *media.Media
	if samePath(f.src, f.dest) {
		// one handle, so the copier sees an overlapping copy
		if f.mmap {
			return fmt.Errorf("--mmap cannot be used when source and destination are the same")
		}
		src, err = p.OpenWritable(f.dest, 0, false, destOpts)
		if err != nil {
			return fmt.Errorf("open %s: %w", f.dest, err)
		}
		defer closeMedia(src, &err)
		dst = src
	} else {
		src, err = p.OpenReadable(f.src, media.Options{Mmap: f.mmap, ByteSwap: f.byteSwap})
		if err != nil {
			return fmt.Errorf("open source %s: %w", f.src, err)
		}
		defer closeMedia(src, &err)
	}

	size, err := bounded(f.size, src, srcOffset)
	if err != nil {
		return err
	}

	if dst == nil {
		// an image written from its start is replaced, one written at an
		// offset is only grown
		dst, err = p.OpenWritable(f.dest, destOffset+size, destOffset == 0, destOpts)
		if err != nil {
			return fmt.Errorf("open destination %s: %w", f.dest, err)
		}
		defer closeMedia(dst, &err)
	}

	srcStream := a.traced("source", src.Stream)
	dstStream := srcStream
	if dst != src {
		dstStream = a.traced("destination", dst.Stream)
	}

	op := operation{Name: "Copy", Src: f.src, Dest: f.dest, Size: size, SrcOffset: srcOffset, DestOffset: destOffset, BlockSize: int64(f.bufferSize)}
	ctx, obs, done := a.present(ctx, op)
	copier, err := transfer.NewCopier(a.options(f, obs)...)
	if err != nil {
		done()
		return err
	}

	a.logger.Debug("copy",
		zap.String("src", f.src),
		zap.String("dest", f.dest),
		zap.Int64("size", size),
		zap.Int64("src_offset", srcOffset),
		zap.Int64("dest_offset", destOffset),
		zap.Bool("skip_zero", f.skipZero),
		zap.Bool("verify", f.verify),
	)
	err = copier.Copy(ctx, srcStream, dstStream, size, srcOffset, destOffset, f.skipZero)
	done()
	if err != nil {
		return fmt.Errorf("copy %s to %s: %w", f.src, f.dest, err)
	}

	if l, ok := dst.Layer(); ok {
		fmt.Printf("Applying %d layer blocks to %s...\n", l.Dirty(), f.dest)
	}
	fmt.Printf("Copy complete: %s to %s\n", human(size), f.dest)
	return nil
}

func (a *app) runVerify(ctx context.Context, f *transferFlags) (err error) {
	p := a.provider()
	src, err := p.OpenReadable(f.src, media.Options{Mmap: f.mmap, ByteSwap: f.byteSwap})
	if err != nil {
		return fmt.Errorf("open source %s: %w", f.src, err)
	}
	defer closeMedia(src, &err)
	dst, err := p.OpenReadable(f.dest, media.Options{Mmap: f.mmap, ByteSwap: f.byteSwap})
	if err != nil {
		return fmt.Errorf("open destination %s: %w", f.dest, err)
	}
	defer closeMedia(dst, &err)

	srcOffset, destOffset := int64(f.srcOffset), int64(f.destOffset)
	size, err := bounded(f.size, src, srcOffset)
	if err != nil {
		return err
	}

	op := operation{Name: "Verify", Src: f.src, Dest: f.dest, Size: size, SrcOffset: srcOffset, DestOffset: destOffset, BlockSize: int64(f.bufferSize)}
	ctx, obs, done := a.present(ctx, op)
	verifier, err := transfer.NewVerifier(a.options(f, obs)...)
	if err != nil {
		done()
		return err
	}
	err = verifier.Verify(ctx, a.traced("source", src.Stream), srcOffset, a.traced("destination", dst.Stream), destOffset, size, f.skipZero)
	done()
	if err != nil {
		return fmt.Errorf("verify %s against %s: %w", f.dest, f.src, err)
	}
	fmt.Printf("Verify complete: %s identical\n", human(size))
	return nil
}

func (a *app) runConvert(ctx context.Context, f *transferFlags) (err error) {
	if err := a.checkConfirm(f); err != nil {
		return err
	}
	if samePath(f.src, f.dest) {
		return fmt.Errorf("source and destination are the same: %s", f.src)
	}
	p := a.provider()
	src, err := p.OpenReadable(f.src, media.Options{Mmap: f.mmap, ByteSwap: f.byteSwap})
	if err != nil {
		return fmt.Errorf("open source %s: %w", f.src, err)
	}
	defer closeMedia(src, &err)

	srcOffset, destOffset := int64(f.srcOffset), int64(f.destOffset)
	size, err := bounded(f.size, src, srcOffset)
	if err != nil {
		return err
	}
	dst, err := p.OpenWritable(f.dest, destOffset+size, destOffset == 0, f.destOptions())
	if err != nil {
		return fmt.Errorf("open destination %s: %w", f.dest, err)
	}
	defer closeMedia(dst, &err)

	// the converter works from offset 0 of each side
	srcWindow, err := src.Window(srcOffset, size)
	if err != nil {
		return err
	}
	dstWindow, err := dst.Window(destOffset, size)
	if err != nil {
		return err
	}

	op := operation{Name: "Convert", Src: f.src, Dest: f.dest, Size: size, SrcOffset: srcOffset, DestOffset: destOffset, BlockSize: int64(f.bufferSize)}
	ctx, obs, done := a.present(ctx, op)
	converter, err := transfer.NewConverter(a.options(f, obs)...)
	if err != nil {
		done()
		return err
	}
	err = converter.Convert(ctx, a.traced("source", srcWindow), a.traced("destination", dstWindow), size, f.skipZero)
	done()
	if err != nil {
		return fmt.Errorf("convert %s to %s: %w", f.src, f.dest, err)
	}
	fmt.Printf("Convert complete: %s written to %s\n", human(size), f.dest)
	return nil
}

func human(n int64) string {
	if n <= 0 {
		return "all data"
	}
	return humanize.IBytes(uint64(n))
}

// engineFlags registers the retry, zero-skip and buffer options.
func engineFlags(cmd *cobra.Command, f *transferFlags, persistent bool) {
	flags := cmd.Flags()
	if persistent {
		flags = cmd.PersistentFlags()
	}
	flags.BoolVar(&f.skipZero, "skip-zero", false, "do not write or compare all-zero sectors")
	flags.BoolVar(&f.force, "force", false, "carry on past unrecoverable I/O errors")
	flags.IntVar(&f.retries, "retries", f.retries, "retries for each failed read or write")
	flags.Var(&f.bufferSize, "buffer-size", "transfer chunk size (e.g. 64KiB, 1MiB)")
	flags.BoolVar(&f.mmap, "mmap", false, "memory map source image files")
	flags.BoolVar(&f.byteSwap, "byte-swap", false, "swap byte pairs on physical drives")
}

// destFlags registers the options of commands that write.
func destFlags(cmd *cobra.Command, f *transferFlags, persistent bool) {
	flags := cmd.Flags()
	if persistent {
		flags = cmd.PersistentFlags()
	}
	flags.BoolVar(&f.layer, "layer", false, "stage writes in a temporary layer file applied on completion")
	flags.StringVar(&f.layerFile, "layer-file", "", "stage writes in this layer file and keep it")
	flags.Var(&f.cache, "cache", "stage physical drive writes in blocks of this size (e.g. 1MiB), for unaligned offsets")
	flags.BoolVar(&f.confirm, "confirm", false, "required to write to a physical drive")
}

func (a *app) copyCommand() *cobra.Command {
	f := a.newTransferFlags()
	copyCmd := &cobra.Command{
		Use:   "copy --src <path> --dest <path>",
		Short: "Copy data between devices and image files",
		Long:  "Copy data chunk by chunk between image files and physical drives, optionally verifying each written run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.src == "" || f.dest == "" {
				return fmt.Errorf("--src and --dest are required")
			}
			return a.runCopy(cmd.Context(), f)
		},
	}
	copyCmd.Flags().StringVar(&f.src, "src", "", "source image file or device")
	copyCmd.Flags().StringVar(&f.dest, "dest", "", "destination image file or device")
	copyCmd.Flags().Var(&f.size, "size", "bytes to copy (default: rest of the source)")
	copyCmd.Flags().Var(&f.srcOffset, "src-offset", "start offset in the source")
	copyCmd.Flags().Var(&f.destOffset, "dest-offset", "start offset in the destination")
	copyCmd.PersistentFlags().BoolVar(&f.verify, "verify", false, "read back and compare every written run")
	engineFlags(copyCmd, f, true)
	destFlags(copyCmd, f, true)

	// Device to image (backup)
	var dev2imgDevice, dev2imgOut string
	copyToImage := &cobra.Command{
		Use:   "dev2img --device <device> --out <image>",
		Short: "Copy from device to image file (backup)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.src, f.dest = dev2imgDevice, dev2imgOut
			return a.runCopy(cmd.Context(), f)
		},
	}
	copyToImage.Flags().StringVar(&dev2imgDevice, "device", "", "source block device (e.g. /dev/disk2)")
	copyToImage.Flags().StringVar(&dev2imgOut, "out", "", "output image file")
	_ = copyToImage.MarkFlagRequired("device")
	_ = copyToImage.MarkFlagRequired("out")

	// Image to device (restore)
	var img2devIn, img2devDevice string
	copyToDevice := &cobra.Command{
		Use:   "img2dev --in <image> --device <device>",
		Short: "Copy from image file to device (restore)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.src, f.dest = img2devIn, img2devDevice
			return a.runCopy(cmd.Context(), f)
		},
	}
	copyToDevice.Flags().StringVar(&img2devIn, "in", "", "source image file")
	copyToDevice.Flags().StringVar(&img2devDevice, "device", "", "target block device (e.g. /dev/disk2)")
	_ = copyToDevice.MarkFlagRequired("in")
	_ = copyToDevice.MarkFlagRequired("device")

	copyCmd.AddCommand(copyToImage)
	copyCmd.AddCommand(copyToDevice)
	return copyCmd
}

func (a *app) verifyCommand() *cobra.Command {
	f := a.newTransferFlags()
	cmd := &cobra.Command{
		Use:   "verify --src <path> --dest <path>",
		Short: "Compare a destination against its source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runVerify(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.src, "src", "", "source image file or device")
	cmd.Flags().StringVar(&f.dest, "dest", "", "image file or device to check")
	cmd.Flags().Var(&f.size, "size", "bytes to compare (default: rest of the source)")
	cmd.Flags().Var(&f.srcOffset, "src-offset", "start offset in the source")
	cmd.Flags().Var(&f.destOffset, "dest-offset", "start offset in the destination")
	engineFlags(cmd, f, false)
	_ = cmd.MarkFlagRequired("src")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func (a *app) convertCommand() *cobra.Command {
	f := a.newTransferFlags()
	cmd := &cobra.Command{
		Use:   "convert --src <path> --dest <path>",
		Short: "Write an image into a new image file or onto a device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runConvert(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.src, "src", "", "source image file or device")
	cmd.Flags().StringVar(&f.dest, "dest", "", "destination image file or device")
	cmd.Flags().Var(&f.size, "size", "bytes to convert (default: the whole source)")
	cmd.Flags().Var(&f.srcOffset, "src-offset", "start offset in the source")
	cmd.Flags().Var(&f.destOffset, "dest-offset", "start offset in the destination")
	engineFlags(cmd, f, false)
	destFlags(cmd, f, false)
	_ = cmd.MarkFlagRequired("src")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}
