package packager

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
)

// BuildRequest describes one toolchain invocation
type BuildRequest struct {
	// Dir is the working directory (the service's server directory)
	Dir string
	// Output is the executable file name, relative to Dir
	Output string
	// Env overrides entries of the inherited environment
	Env map[string]string
}

// Toolchain builds a service executable
type Toolchain interface {
	// Build produces req.Output in req.Dir. The returned bytes are the
	// toolchain's combined diagnostic output, also on failure.
	Build(ctx context.Context, req BuildRequest) ([]byte, error)
}

// GoToolchain builds with `go build -o <output> .`
type GoToolchain struct {
	// GoBinary is the go command, default "go"
	GoBinary string
}

// Build runs the go compiler in req.Dir
func (g GoToolchain) Build(ctx context.Context, req BuildRequest) ([]byte, error) {
	goBin := g.GoBinary
	if goBin == "" {
		goBin = "go"
	}

	cmd := exec.CommandContext(ctx, goBin, "build", "-o", req.Output, ".")
	cmd.Dir = req.Dir
	cmd.Env = append(os.Environ(), envList(req.Env)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.Bytes(), err
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}
