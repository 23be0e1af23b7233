package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"diskimager/media"
	"diskimager/stream"
)

// layerInfo is what the header and allocation table of a layer file say.
type layerInfo struct {
	Size         int64
	BlockSize    int
	Blocks       int64
	Materialized int
	Length       int64
}

func readLayerInfo(path string) (layerInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return layerInfo{}, err
	}
	size, blockSize, err := stream.ReadLayerHeader(f)
	f.Close()
	if err != nil {
		return layerInfo{}, fmt.Errorf("%s: %w", path, err)
	}

	// an empty base leaves the logical length to the layer's own records
	l, err := stream.OpenLayerFile(stream.NewMemory(nil), path, size, blockSize, false)
	if err != nil {
		return layerInfo{}, fmt.Errorf("%s: %w", path, err)
	}
	defer l.Detach()
	if err := l.Initialize(); err != nil {
		return layerInfo{}, fmt.Errorf("%s: %w", path, err)
	}
	return layerInfo{
		Size:         size,
		BlockSize:    blockSize,
		Blocks:       (size + int64(blockSize) - 1) / int64(blockSize),
		Materialized: l.Materialized(),
		Length:       l.Size(),
	}, nil
}

func (a *app) layerCommand() *cobra.Command {
	layerCmd := &cobra.Command{
		Use:   "layer",
		Short: "Inspect, create and apply layer files",
	}

	var infoLayer string
	infoCmd := &cobra.Command{
		Use:   "info --layer <file>",
		Short: "Show the header and allocated blocks of a layer file",
		RunE: func(_ *cobra.Command, _ []string) error {
			info, err := readLayerInfo(infoLayer)
			if err != nil {
				return err
			}
			fmt.Println("Layer info")
			fmt.Printf("  File:         %s\n", infoLayer)
			fmt.Printf("  Covers:       %s (%d bytes)\n", humanize.IBytes(uint64(info.Size)), info.Size)
			fmt.Printf("  Block size:   %s\n", humanize.IBytes(uint64(info.BlockSize)))
			fmt.Printf("  Blocks:       %d / %d held\n", info.Materialized, info.Blocks)
			fmt.Printf("  Written up to %d bytes\n", info.Length)
			return nil
		},
	}
	infoCmd.Flags().StringVar(&infoLayer, "layer", "", "layer file")
	_ = infoCmd.MarkFlagRequired("layer")

	var (
		initBase, initLayer string
		initSize            byteSize
		initBlockSize       = a.config.LayerBlockSize
	)
	initCmd := &cobra.Command{
		Use:   "init --base <path> --layer <file>",
		Short: "Create an empty layer file over an image or device",
		RunE: func(_ *cobra.Command, _ []string) (err error) {
			p := a.provider()
			p.LayerBlockSize = int(initBlockSize)
			m, err := p.OpenWritable(initBase, int64(initSize), false, media.Options{Persist: initLayer})
			if err != nil {
				return fmt.Errorf("open %s: %w", initBase, err)
			}
			defer closeMedia(m, &err)
			covered := int64(initSize)
			if covered == 0 {
				covered = m.Size
			}
			l, _ := m.Layer()
			fmt.Printf("Layer %s covers %s of %s in %s blocks (%d held)\n",
				initLayer, humanize.IBytes(uint64(covered)), initBase,
				humanize.IBytes(uint64(initBlockSize)), l.Materialized())
			return nil
		},
	}
	initCmd.Flags().StringVar(&initBase, "base", "", "image file or device the layer covers")
	initCmd.Flags().StringVar(&initLayer, "layer", "", "layer file to create")
	initCmd.Flags().Var(&initSize, "size", "bytes covered (default: size of the base)")
	initCmd.Flags().Var(&initBlockSize, "block-size", "layer block size, a multiple of 512")
	_ = initCmd.MarkFlagRequired("base")
	_ = initCmd.MarkFlagRequired("layer")

	var (
		flushBase, flushLayer string
		flushConfirm          bool
		flushRemove           bool
	)
	flushCmd := &cobra.Command{
		Use:   "flush --base <path> --layer <file>",
		Short: "Apply the blocks of a layer file to its base",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if media.IsPhysicalDrive(flushBase) && !flushConfirm {
				return fmt.Errorf("--confirm is required to write to physical drive %s", flushBase)
			}
			info, err := readLayerInfo(flushLayer)
			if err != nil {
				return err
			}

			p := a.provider()
			p.LayerBlockSize = info.BlockSize
			m, err := p.OpenWritable(flushBase, info.Size, false, media.Options{Persist: flushLayer})
			if err != nil {
				return fmt.Errorf("open %s: %w", flushBase, err)
			}
			l, _ := m.Layer()
			l.MarkAllDirty()
			blocks := l.Dirty()
			if err := l.FlushLayer(cmd.Context()); err != nil {
				// unapplied blocks stay in the layer for another flush
				l.Detach()
				m.Close()
				return fmt.Errorf("apply %s to %s: %w", flushLayer, flushBase, err)
			}
			if err := m.Close(); err != nil {
				return fmt.Errorf("close %s: %w", flushBase, err)
			}
			fmt.Printf("Applied %d blocks from %s to %s\n", blocks, flushLayer, flushBase)

			if flushRemove {
				if err := os.Remove(flushLayer); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flushCmd.Flags().StringVar(&flushBase, "base", "", "image file or device to write")
	flushCmd.Flags().StringVar(&flushLayer, "layer", "", "layer file to apply")
	flushCmd.Flags().BoolVar(&flushConfirm, "confirm", false, "required to write to a physical drive")
	flushCmd.Flags().BoolVar(&flushRemove, "remove", false, "delete the layer file once applied")
	_ = flushCmd.MarkFlagRequired("base")
	_ = flushCmd.MarkFlagRequired("layer")

	layerCmd.AddCommand(infoCmd)
	layerCmd.AddCommand(initCmd)
	layerCmd.AddCommand(flushCmd)
	return layerCmd
}
