package packager

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noahdw/Gonolith/pkg/harnesserr"
)

const sampleConfig = `[server]
name = "greet"
port = ""

[logging]
level = "info"
`

// fakeToolchain writes a fixed executable instead of compiling
type fakeToolchain struct {
	mu       sync.Mutex
	requests []BuildRequest
	binary   []byte
	output   string
	err      error
}

func (f *fakeToolchain) Build(ctx context.Context, req BuildRequest) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.err != nil {
		return []byte(f.output), f.err
	}
	if f.binary != nil {
		if err := os.WriteFile(filepath.Join(req.Dir, req.Output), f.binary, 0755); err != nil {
			return nil, err
		}
	}
	return []byte(f.output), nil
}

func newTestPackager(t *testing.T, cfg Config, tc Toolchain) *Packager {
	t.Helper()
	p, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithToolchain(tc))
	require.NoError(t, err)
	return p
}

// newService lays out <dir>/server with the given config; empty config means
// no config file
func newService(t *testing.T, config string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "server"), 0755))
	if config != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "server", "config.toml"), []byte(config), 0644))
	}
	return dir
}

func readEntries(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	entries := make(map[string]string)
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		entries[f.Name] = string(data)
	}
	return entries
}

func assertNoArchives(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.zip"))
	require.NoError(t, err)
	assert.Empty(t, matches)
	matches, err = filepath.Glob(filepath.Join(dir, ".package-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPackage_Success(t *testing.T) {
	dir := newService(t, sampleConfig)
	tc := &fakeToolchain{binary: []byte("\x7fELF fake binary")}
	p := newTestPackager(t, DefaultConfig(), tc)

	artifact, err := p.Package(context.Background(), dir, 50052)
	require.NoError(t, err)
	defer artifact.Remove()

	assert.Equal(t, filepath.Join(dir, "service.zip"), artifact.ArchivePath)
	assert.Equal(t, filepath.Join(dir, "server", "greet-service.exe"), artifact.BinaryPath)
	assert.Equal(t, filepath.Join(dir, "server", "config.toml"), artifact.ConfigPath)
	assert.Equal(t, 50052, artifact.GRPCPort)
	assert.Greater(t, artifact.Size, int64(0))

	entries := readEntries(t, artifact.ArchivePath)
	require.Len(t, entries, 2)
	assert.Equal(t, "\x7fELF fake binary", entries["greet-service.exe"])
	assert.Contains(t, entries["config.toml"], `port = "50052"`)
	assert.NotContains(t, entries["config.toml"], `port = ""`)

	// The source configuration is never rewritten.
	source, err := os.ReadFile(artifact.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, sampleConfig, string(source))

	require.Len(t, tc.requests, 1)
	assert.Equal(t, filepath.Join(dir, "server"), tc.requests[0].Dir)
	assert.Equal(t, "greet-service.exe", tc.requests[0].Output)
}

func TestPackage_ByteIdenticalArchives(t *testing.T) {
	dir := newService(t, sampleConfig)
	p := newTestPackager(t, DefaultConfig(), &fakeToolchain{binary: []byte("binary")})

	first, err := p.Package(context.Background(), dir, 50051)
	require.NoError(t, err)
	firstBytes, err := os.ReadFile(first.ArchivePath)
	require.NoError(t, err)
	require.NoError(t, first.Remove())

	second, err := p.Package(context.Background(), dir, 50051)
	require.NoError(t, err)
	defer second.Remove()
	secondBytes, err := os.ReadFile(second.ArchivePath)
	require.NoError(t, err)

	assert.Equal(t, firstBytes, secondBytes)
}

func TestPackage_MissingConfig(t *testing.T) {
	dir := newService(t, "")
	p := newTestPackager(t, DefaultConfig(), &fakeToolchain{binary: []byte("binary")})

	artifact, err := p.Package(context.Background(), dir, 50051)
	assert.Nil(t, artifact)
	require.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.CodePackagingFailed))
	assert.Contains(t, err.Error(), ReasonMissingConfig)
	assertNoArchives(t, dir)
}

func TestPackage_BuildFailure(t *testing.T) {
	dir := newService(t, sampleConfig)
	tc := &fakeToolchain{
		output: "./main.go:7:2: undefined: greeter\n",
		err:    errors.New("exit status 1"),
	}
	p := newTestPackager(t, DefaultConfig(), tc)

	_, err := p.Package(context.Background(), dir, 50051)
	require.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.CodeBuildFailed))
	assert.Contains(t, err.Error(), "undefined: greeter")
	assert.Contains(t, harnesserr.SuggestionOf(err), "go build")
	assertNoArchives(t, dir)
}

func TestPackage_MissingBinary(t *testing.T) {
	dir := newService(t, sampleConfig)
	p := newTestPackager(t, DefaultConfig(), &fakeToolchain{})

	_, err := p.Package(context.Background(), dir, 50051)
	require.Error(t, err)
	assert.True(t, harnesserr.Is(err, harnesserr.CodePackagingFailed))
	assert.Contains(t, err.Error(), ReasonMissingArtifact)
	assertNoArchives(t, dir)
}

func TestPackage_InvalidConfig(t *testing.T) {
	dir := newService(t, "[server\nport = \"\"\n")
	p := newTestPackager(t, DefaultConfig(), &fakeToolchain{binary: []byte("binary")})

	_, err := p.Package(context.Background(), dir, 50051)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ReasonInvalidConfig)
	assertNoArchives(t, dir)
}

func TestPackage_NoPlaceholderLeavesConfigUnchanged(t *testing.T) {
	config := "[server]\nport = \"9000\"\n"
	dir := newService(t, config)
	p := newTestPackager(t, DefaultConfig(), &fakeToolchain{binary: []byte("binary")})

	artifact, err := p.Package(context.Background(), dir, 50051)
	require.NoError(t, err)
	defer artifact.Remove()

	assert.Equal(t, config, readEntries(t, artifact.ArchivePath)["config.toml"])
}

func TestPackage_FailureRemovesStaleArchive(t *testing.T) {
	dir := newService(t, "")
	stale := filepath.Join(dir, "service.zip")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	p := newTestPackager(t, DefaultConfig(), &fakeToolchain{binary: []byte("binary")})
	_, err := p.Package(context.Background(), dir, 50051)
	require.Error(t, err)
	assert.NoFileExists(t, stale)
}

func TestPackage_OutputDirAndBuildEnv(t *testing.T) {
	dir := newService(t, sampleConfig)
	cfg := DefaultConfig()
	cfg.OutputDir = filepath.Join(t.TempDir(), "out")
	cfg.BuildEnv = map[string]string{"GOOS": "windows", "GOARCH": "amd64", "CGO_ENABLED": "0"}

	tc := &fakeToolchain{binary: []byte("binary")}
	p := newTestPackager(t, cfg, tc)

	artifact, err := p.Package(context.Background(), dir, 50051)
	require.NoError(t, err)
	defer artifact.Remove()

	assert.Equal(t, filepath.Join(cfg.OutputDir, "service.zip"), artifact.ArchivePath)
	assert.Equal(t, cfg.BuildEnv, tc.requests[0].Env)
	assertNoArchives(t, dir)
}

func TestPackage_InvalidPort(t *testing.T) {
	dir := newService(t, sampleConfig)
	tc := &fakeToolchain{binary: []byte("binary")}
	p := newTestPackager(t, DefaultConfig(), tc)

	_, err := p.Package(context.Background(), dir, 0)
	assert.True(t, harnesserr.Is(err, harnesserr.CodeInvalidConfiguration))
	assert.Empty(t, tc.requests, "nothing is built for an invalid port")
}

func TestPatchPort(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		out   string
		count int
	}{
		{"single placeholder", "port = \"\"\n", "port = \"50051\"\n", 1},
		{"no placeholder", "port = \"1\"\n", "port = \"1\"\n", 0},
		{"spacing must match exactly", "port=\"\"\n", "port=\"\"\n", 0},
		{"every placeholder replaced", "port = \"\"\nport = \"\"\n", "port = \"50051\"\nport = \"50051\"\n", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := []byte(tt.in)
			out, count := PatchPort(in, 50051)
			assert.Equal(t, tt.out, string(out))
			assert.Equal(t, tt.count, count)
			assert.Equal(t, tt.in, string(in))
		})
	}
}

func TestVerifyArchive(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.zip")
	require.NoError(t, os.WriteFile(garbage, []byte("not a zip"), 0644))
	assert.Error(t, VerifyArchive(garbage, "a", "b"))

	partial := filepath.Join(dir, "partial.zip")
	writeZip(t, partial, map[string]string{"a": "data"})
	assert.ErrorContains(t, VerifyArchive(partial, "a", "b"), "1 entries")

	empty := filepath.Join(dir, "empty.zip")
	writeZip(t, empty, map[string]string{"a": "data", "b": ""})
	assert.ErrorContains(t, VerifyArchive(empty, "a", "b"), "empty")

	good := filepath.Join(dir, "good.zip")
	writeZip(t, good, map[string]string{"a": "data", "b": "more"})
	assert.NoError(t, VerifyArchive(good, "a", "b"))
}

func TestArtifact_RemoveIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.zip")
	require.NoError(t, os.WriteFile(path, []byte("zip"), 0644))

	a := &Artifact{ArchivePath: path}
	require.NoError(t, a.Remove())
	require.NoError(t, a.Remove())
	assert.NoFileExists(t, path)

	var nilArtifact *Artifact
	assert.NoError(t, nilArtifact.Remove())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BinaryName = ""
	assert.True(t, harnesserr.Is(cfg.Validate(), harnesserr.CodeInvalidConfiguration))

	cfg = DefaultConfig()
	cfg.ArchiveName = "../escape.zip"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ConfigName = cfg.BinaryName
	assert.Error(t, cfg.Validate())
}

func TestGoToolchain_Build(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real go build in short mode")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not on PATH")
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/greet\n\ngo 1.21\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0644))

	_, err := GoToolchain{}.Build(context.Background(), BuildRequest{
		Dir:    dir,
		Output: "greet-service.exe",
		Env:    map[string]string{"CGO_ENABLED": "0"},
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "greet-service.exe"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n\nfunc main() {\n"), 0644))
	output, err := GoToolchain{}.Build(context.Background(), BuildRequest{Dir: dir, Output: "broken.exe"})
	require.Error(t, err)
	assert.NotEmpty(t, output)
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(data))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}
