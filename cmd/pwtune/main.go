// Command pwtune measures how long password hashing takes with a set of
// argon2id parameters and prints the matching "password" section of the
// transitroutes config file.
//
// With --target, the memory parameter is doubled until one hash takes at
// least that long.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/andrew-d/transitroutes/pwhash"
)

// params mirrors the password section of the server config, with the same
// limits.
type params struct {
	Time      uint32 `yaml:"time" validate:"gte=1,lte=16"`
	MemoryKiB uint32 `yaml:"memory_kib" validate:"gte=1024,lte=1048576"`
	Threads   uint8  `yaml:"threads" validate:"gte=1,lte=64"`
}

// memoryCap is the most memory --target will raise the parameter to.
var memoryCap uint32 = 1024 * 1024

func main() {
	var (
		p      params
		rounds int
		target time.Duration
	)
	fs := flag.NewFlagSet("pwtune", flag.ContinueOnError)
	fs.Uint32VarP(&p.Time, "time", "t", 2, "argon2id time (iterations) parameter")
	fs.Uint32Var(&p.MemoryKiB, "memory-kib", 64*1024, "argon2id memory parameter in KiB")
	fs.Uint8Var(&p.Threads, "threads", 2, "argon2id parallelism parameter")
	fs.IntVar(&rounds, "rounds", 3, "number of hashes to time for each setting")
	fs.DurationVar(&target, "target", 0, "raise memory until a hash takes at least this long")
	if err := fs.Parse(os.Args[1:]); errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(os.Stdout, logger, p, rounds, target); err != nil {
		logger.Error("fatal error", "error", err.Error())
		os.Exit(1)
	}
}

func run(w io.Writer, logger *slog.Logger, p params, rounds int, target time.Duration) error {
	if rounds < 1 {
		return fmt.Errorf("rounds must be at least 1, got %d", rounds)
	}
	if err := validator.New().Struct(p); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}

	for {
		d := measure(p, rounds)
		logger.Info("measured", "time", p.Time, "memory_kib", p.MemoryKiB, "threads", p.Threads, "per_hash", d)
		if d >= target || p.MemoryKiB*2 > memoryCap {
			break
		}
		p.MemoryKiB *= 2
	}

	out, err := yaml.Marshal(struct {
		Password params `yaml:"password"`
	}{p})
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// measure returns the mean time to hash a password with p.
func measure(p params, rounds int) time.Duration {
	h := pwhash.New(p.Time, p.MemoryKiB, p.Threads)
	start := time.Now()
	for range rounds {
		h.Hash([]byte("correct horse battery staple"))
	}
	return time.Since(start) / time.Duration(rounds)
}
