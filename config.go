package main

import (
	"reflect"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// byteSize is a size in bytes written as "1474560", "32MiB" or "1.44MB".
type byteSize int64

func parseByteSize(s string) (byteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	return byteSize(n), nil
}

// String, Set and Type make byteSize a pflag.Value.
func (b *byteSize) String() string { return strconv.FormatInt(int64(*b), 10) }

func (b *byteSize) Set(s string) error {
	v, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b *byteSize) Type() string { return "size" }

type Config struct {
	BufferSize     byteSize `env:"BUFFER_SIZE"      envDefault:"1MiB"`
	Retries        int      `env:"RETRIES"          envDefault:"5"`
	LayerDir       string   `env:"LAYER_DIR"`
	LayerBlockSize byteSize `env:"LAYER_BLOCK_SIZE" envDefault:"1MiB"`
	Debug          bool     `env:"DEBUG"`
}

// ParseConfig reads the DISKIMAGER_* environment.
func ParseConfig() (Config, error) {
	return env.ParseAsWithOptions[Config](env.Options{
		Prefix: "DISKIMAGER_",
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(byteSize(0)): func(v string) (any, error) {
				return parseByteSize(v)
			},
		},
	})
}
