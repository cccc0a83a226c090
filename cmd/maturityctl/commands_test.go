package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "maturity.yaml")
	content := fmt.Sprintf(`store_driver: sqlite
sqlite_path: %s
queue_driver: memory
admin_secret: admin-secret
jwt_secret: jwt-secret-0123456789
seed_on_start: false
report:
  workers: 1
  attempts: 1
  base_backoff: 1ms
  timeout: 5s
`, filepath.Join(dir, "maturity.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--config", cfg}, args...))
	err := cmd.Execute()
	return out.String(), err
}

var idPattern = regexp.MustCompile(`id=(\S+)`)

func TestRootCmd(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{})
	assert.Equal(t, "maturityctl", root.Use)
	assert.NotEmpty(t, root.Short)
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
		assert.NotEmpty(t, c.Short, c.Name())
	}
	for _, want := range []string{"migrate", "seed", "versions", "validate", "publish", "archive", "clone",
		"export-version", "export-assessments", "analytics", "retry-reports", "purge-expired"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestSeedAndVersionLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, cfg, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date (sqlite)")

	_, err = run(t, cfg, "seed")
	require.NoError(t, err)
	out, err = run(t, cfg, "versions")
	require.NoError(t, err)
	assert.Contains(t, out, "v1")
	assert.Contains(t, out, "PUBLISHED")
	v1 := strings.Fields(strings.Split(strings.TrimSpace(out), "\n")[1])[4]

	out, err = run(t, cfg, "validate", v1)
	require.NoError(t, err)
	assert.Contains(t, out, "weights valid")

	out, err = run(t, cfg, "clone", v1)
	require.NoError(t, err)
	m := idPattern.FindStringSubmatch(out)
	require.Len(t, m, 2)
	draft := m[1]
	assert.Contains(t, out, "draft v2")

	out, err = run(t, cfg, "publish", draft)
	require.NoError(t, err)
	assert.Contains(t, out, "published v2")
	_, err = run(t, cfg, "publish", draft)
	assert.Error(t, err, "publishing twice must fail")

	yamlPath := filepath.Join(t.TempDir(), "v2.yaml")
	out, err = run(t, cfg, "export-version", draft, "-o", yamlPath)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+yamlPath)

	out, err = run(t, cfg, "seed", "--file", yamlPath, "--publish")
	require.NoError(t, err)
	assert.Contains(t, out, "imported v3 (PUBLISHED)")

	out, err = run(t, cfg, "versions")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "PUBLISHED"))
	assert.Equal(t, 2, strings.Count(out, "ARCHIVED"))
}

func TestExportAndMaintenanceWithoutData(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "seed")
	require.NoError(t, err)
	out, err := run(t, cfg, "versions")
	require.NoError(t, err)
	v1 := strings.Fields(strings.Split(strings.TrimSpace(out), "\n")[1])[4]

	out, err = run(t, cfg, "export-assessments", "--version", v1, "--format", "score")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "assessment_id"), "expected a csv header, got %q", out)

	_, err = run(t, cfg, "export-assessments")
	assert.Error(t, err, "--version is required")

	out, err = run(t, cfg, "analytics", v1)
	require.NoError(t, err)
	assert.Contains(t, out, `"submitted": 0`)

	out, err = run(t, cfg, "retry-reports")
	require.NoError(t, err)
	assert.Contains(t, out, "queued 0 pdfs, 0 emails")

	out, err = run(t, cfg, "purge-expired")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 expired assessments")
}

func TestValidateUnknownVersion(t *testing.T) {
	cfg := writeConfig(t)
	_, err := run(t, cfg, "validate", "missing")
	assert.Error(t, err)
}
