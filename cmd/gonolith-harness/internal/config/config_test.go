package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noahdw/Gonolith/pkg/launcher"
	"github.com/Noahdw/Gonolith/pkg/topology"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gonolith-harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Cluster.Nodes)
	assert.Equal(t, topology.DefaultHost, cfg.Cluster.Host)
	assert.Equal(t, topology.DefaultBasePorts(), cfg.Cluster.BasePorts)
	assert.Equal(t, launcher.DefaultConfig().Command, cfg.Launcher.Command)
	assert.Equal(t, launcher.ReadinessPoll, cfg.Launcher.Readiness)
	assert.Equal(t, "0", cfg.Launcher.ExtraEnv["CGO_ENABLED"])
	assert.Equal(t, "greet-service.exe", cfg.Packager.BinaryName)
	assert.Equal(t, 2*time.Second, cfg.Deploy.HealthTimeout)
	assert.Equal(t, 10*time.Second, cfg.Deploy.InstallTimeout)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 0, cfg.Metrics.Port)

	require.NoError(t, cfg.Launcher.Validate())
	require.NoError(t, cfg.Packager.Validate())
	require.NoError(t, cfg.Orchestrator().Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
cluster:
  nodes: 3
  host: 127.0.0.1
  base_ports:
    http: 9000
    grpc: 9100
    membership: 9200
launcher:
  command: ["./gonolith"]
  readiness: delay
  warm_up: 2s
  extra_env:
    GOMAXPROCS: "2"
packager:
  build_env:
    goos: windows
deploy:
  service_dir: ./services/greet
  target: gonolith2
  install_timeout: 30s
  verify_service: true
log:
  level: debug
  format: json
`)

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Cluster.Nodes)
	assert.Equal(t, topology.BasePorts{HTTP: 9000, GRPC: 9100, Membership: 9200}, cfg.Cluster.BasePorts)
	assert.Equal(t, []string{"./gonolith"}, cfg.Launcher.Command)
	assert.Equal(t, launcher.ReadinessDelay, cfg.Launcher.Readiness)
	assert.Equal(t, 2*time.Second, cfg.Launcher.WarmUp)
	assert.Equal(t, "2", cfg.Launcher.ExtraEnv["GOMAXPROCS"])
	assert.Equal(t, "windows", cfg.Packager.BuildEnv["GOOS"])
	assert.Equal(t, 30*time.Second, cfg.Deploy.InstallTimeout)
	assert.Equal(t, "json", cfg.Log.Format)

	oc := cfg.Orchestrator()
	assert.Equal(t, 3, oc.NodeCount)
	assert.Equal(t, "./services/greet", oc.ServiceDir)
	assert.Equal(t, "gonolith2", oc.Target)
	assert.True(t, oc.VerifyService)

	topo, err := cfg.Topology()
	require.NoError(t, err)
	node, ok := topo.Node("gonolith2")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:9001", node.HTTPAddress())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GONOLITH_CLUSTER_NODES", "5")
	t.Setenv("GONOLITH_DEPLOY_SERVICE_DIR", "/srv/greet")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Cluster.Nodes)
	assert.Equal(t, "/srv/greet", cfg.Deploy.ServiceDir)
}

func TestLoad_SearchPath(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gonolith-harness.yaml"),
		[]byte("cluster:\n  nodes: 4\n"), 0o644))

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Cluster.Nodes)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoad_Malformed(t *testing.T) {
	path := writeConfig(t, "cluster: [unterminated")
	_, err := Load(New(), path)
	require.Error(t, err)
}

func TestUpperKeys(t *testing.T) {
	assert.Nil(t, upperKeys(nil))
	assert.Equal(t, map[string]string{"CGO_ENABLED": "0"}, upperKeys(map[string]string{"cgo_enabled": "0"}))
}
