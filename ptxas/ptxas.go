// Package ptxas compiles GPU assembly text into a loadable module image.
//
// The dispatcher only depends on the Compiler interface; Command is the
// default implementation, shelling out to the CUDA toolkit's ptxas binary.
package ptxas

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// PTXAS_PATH is the environment variable that overrides the location of the
// ptxas binary. If unset, ptxas is looked up on $PATH.
const PTXAS_PATH = "PTXAS_PATH"

// Compiler turns assembly text into a compiled module image for the given
// compute capability.
type Compiler interface {
	Compile(ccMajor, ccMinor int, asm []byte) ([]byte, error)
}

// Command compiles by invoking the ptxas binary. The zero value is ready to
// use; set Path to bypass the environment/$PATH lookup, and ExtraArgs to pass
// additional flags (e.g. "-v" or optimization levels).
type Command struct {
	Path      string
	ExtraArgs []string
}

// binary resolves the ptxas executable to invoke.
func (c *Command) binary() string {
	if c.Path != "" {
		return c.Path
	}
	if path := os.Getenv(PTXAS_PATH); path != "" {
		return path
	}
	return "ptxas"
}

// Compile writes asm to a scratch file and runs
//
//	ptxas --gpu-name=sm_<major><minor> -o <out> <in> [extra args...]
//
// returning the compiled image bytes. Failures include ptxas' stderr, which
// carries the assembler's diagnostics.
func (c *Command) Compile(ccMajor, ccMinor int, asm []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "ptxas")
	if err != nil {
		return nil, errors.Wrap(err, "creating ptxas scratch directory")
	}
	defer func() { _ = os.RemoveAll(dir) }()

	asmPath := filepath.Join(dir, "kernel.ptx")
	outPath := filepath.Join(dir, "kernel.cubin")
	if err := os.WriteFile(asmPath, asm, 0o600); err != nil {
		return nil, errors.Wrap(err, "writing assembly to scratch file")
	}

	args := []string{SMArg(ccMajor, ccMinor), "-o", outPath, asmPath}
	args = append(args, c.ExtraArgs...)
	cmd := exec.Command(c.binary(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, errors.Wrapf(err, "%s %s", c.binary(), strings.Join(args, " "))
		}
		return nil, errors.Wrapf(err, "%s: %s", c.binary(), msg)
	}

	image, err := os.ReadFile(outPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading compiled module image")
	}
	return image, nil
}

// SMArg formats the --gpu-name flag for a compute capability.
func SMArg(ccMajor, ccMinor int) string {
	return "--gpu-name=sm_" + strconv.Itoa(ccMajor) + strconv.Itoa(ccMinor)
}
