// Package packager builds a service, injects its assigned gRPC port into the
// service configuration and archives both into a deployable zip.
package packager

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/Noahdw/Gonolith/pkg/harnesserr"
)

// Packaging failure reasons
const (
	ReasonMissingConfig   = "missing config"
	ReasonInvalidConfig   = "invalid config"
	ReasonMissingArtifact = "missing artifact"
	ReasonCorruptArchive  = "corrupt archive"
	ReasonArchiveWrite    = "archive write failed"
)

// PortPlaceholder is the configuration text replaced with the assigned port
const PortPlaceholder = `port = ""`

// entryTime is stamped on every archive entry so identical inputs produce
// identical archives
var entryTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Artifact is a packaged service ready for upload. The archive is owned by
// whoever holds the Artifact and must be released with Remove.
type Artifact struct {
	BinaryPath  string
	ConfigPath  string
	ArchivePath string
	Size        int64
	GRPCPort    int
}

// Remove deletes the archive. Removing an already removed archive is not an error.
func (a *Artifact) Remove() error {
	if a == nil || a.ArchivePath == "" {
		return nil
	}
	if err := os.Remove(a.ArchivePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Packager produces service artifacts
type Packager struct {
	config    Config
	logger    *slog.Logger
	toolchain Toolchain
}

// New creates a packager
func New(config Config, opts ...Option) (*Packager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	p := &Packager{
		config:    config,
		logger:    slog.Default(),
		toolchain: GoToolchain{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "packager")

	return p, nil
}

// Package builds the service in serviceDir, patches its configuration for
// grpcPort and writes the archive. On failure no archive is left on disk.
func (p *Packager) Package(ctx context.Context, serviceDir string, grpcPort int) (*Artifact, error) {
	if grpcPort < 1 || grpcPort > 65535 {
		return nil, harnesserr.InvalidConfiguration("grpc_port", grpcPort, "port must be in 1..65535")
	}

	serverDir := filepath.Join(serviceDir, p.config.ServerDir)
	configPath := filepath.Join(serverDir, p.config.ConfigName)
	binaryPath := filepath.Join(serverDir, p.config.BinaryName)

	outputDir := p.config.OutputDir
	if outputDir == "" {
		outputDir = serviceDir
	}
	archivePath := filepath.Join(outputDir, p.config.ArchiveName)

	logger := p.logger.With("service_dir", serviceDir, "grpc_port", grpcPort)

	// A stale archive from an earlier run must never be mistaken for this one.
	if err := os.Remove(archivePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, harnesserr.Packaging(ReasonArchiveWrite, archivePath, err)
	}

	startTime := time.Now()
	logger.Info("building service", "dir", serverDir, "output", p.config.BinaryName)
	output, err := p.toolchain.Build(ctx, BuildRequest{
		Dir:    serverDir,
		Output: p.config.BinaryName,
		Env:    p.config.BuildEnv,
	})
	if err != nil {
		logger.Error("build failed", "error", err)
		return nil, harnesserr.Build(serverDir, string(output), err)
	}
	logger.Debug("build finished", "duration", time.Since(startTime))

	configText, err := os.ReadFile(configPath)
	if err != nil {
		return nil, harnesserr.Packaging(ReasonMissingConfig, configPath, err)
	}

	patched, replaced := PatchPort(configText, grpcPort)
	switch replaced {
	case 0:
		logger.Warn("port placeholder not found, config left unchanged",
			"config", configPath, "placeholder", PortPlaceholder)
	case 1:
	default:
		logger.Warn("port placeholder found more than once", "config", configPath, "count", replaced)
	}

	var doc map[string]interface{}
	if err := toml.Unmarshal(patched, &doc); err != nil {
		return nil, harnesserr.Packaging(ReasonInvalidConfig, configPath, err)
	}

	binary, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, harnesserr.Packaging(ReasonMissingArtifact, binaryPath, err)
	}
	if len(binary) == 0 {
		return nil, harnesserr.Packaging(ReasonMissingArtifact, binaryPath, fmt.Errorf("executable is empty"))
	}

	size, err := p.writeArchive(archivePath, []archiveEntry{
		{name: p.config.BinaryName, data: binary, mode: 0755},
		{name: p.config.ConfigName, data: patched, mode: 0644},
	})
	if err != nil {
		return nil, err
	}

	logger.Info("service packaged", "archive", archivePath, "size", size)

	return &Artifact{
		BinaryPath:  binaryPath,
		ConfigPath:  configPath,
		ArchivePath: archivePath,
		Size:        size,
		GRPCPort:    grpcPort,
	}, nil
}

// PatchPort replaces every port placeholder in config with the quoted port and
// reports how many were replaced. The input is not modified.
func PatchPort(config []byte, port int) ([]byte, int) {
	placeholder := []byte(PortPlaceholder)
	count := bytes.Count(config, placeholder)
	replacement := []byte(`port = "` + strconv.Itoa(port) + `"`)
	return bytes.ReplaceAll(config, placeholder, replacement), count
}

type archiveEntry struct {
	name string
	data []byte
	mode fs.FileMode
}

// writeArchive writes entries to a temporary file next to path, verifies it
// and renames it into place
func (p *Packager) writeArchive(path string, entries []archiveEntry) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, harnesserr.Packaging(ReasonArchiveWrite, path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".package-*.zip")
	if err != nil {
		return 0, harnesserr.Packaging(ReasonArchiveWrite, path, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	for _, e := range entries {
		header := &zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: entryTime,
		}
		header.SetMode(e.mode)

		w, err := zw.CreateHeader(header)
		if err != nil {
			tmp.Close()
			return 0, harnesserr.Packaging(ReasonArchiveWrite, path, err)
		}
		if _, err := w.Write(e.data); err != nil {
			tmp.Close()
			return 0, harnesserr.Packaging(ReasonArchiveWrite, path, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return 0, harnesserr.Packaging(ReasonArchiveWrite, path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, harnesserr.Packaging(ReasonArchiveWrite, path, err)
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	if err := VerifyArchive(tmpPath, names...); err != nil {
		return 0, harnesserr.Packaging(ReasonCorruptArchive, path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return 0, harnesserr.Packaging(ReasonArchiveWrite, path, err)
	}
	committed = true

	info, err := os.Stat(path)
	if err != nil {
		os.Remove(path)
		return 0, harnesserr.Packaging(ReasonArchiveWrite, path, err)
	}
	return info.Size(), nil
}

// VerifyArchive checks that the zip at path holds exactly the named entries,
// each non-empty and readable
func VerifyArchive(path string, names ...string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	if len(r.File) != len(names) {
		return fmt.Errorf("archive has %d entries, want %d", len(r.File), len(names))
	}

	found := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		found[f.Name] = f
	}

	for _, name := range names {
		f, ok := found[name]
		if !ok {
			return fmt.Errorf("entry %q missing", name)
		}
		if f.UncompressedSize64 == 0 {
			return fmt.Errorf("entry %q is empty", name)
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open entry %q: %w", name, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("read entry %q: %w", name, err)
		}
	}
	return nil
}
