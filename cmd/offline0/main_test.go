package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runInstall re-executes the test binary as offline0 -install against origin.
func runInstall(t *testing.T, origin http.Handler) (string, error) {
	t.Helper()
	srv := httptest.NewServer(origin)
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "offline0.yaml")
	yml := fmt.Sprintf("server:\n  origin: %s\nstorage:\n  path: %s\nprecache:\n  static: [\"/\"]\n", srv.URL, filepath.Join(dir, "db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o644))

	cmd := exec.Command(os.Args[0], "-test.run=^TestInstallChild$")
	cmd.Env = append(os.Environ(), "OFFLINE0_INSTALL_CHILD="+cfgPath)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func TestInstallChild(t *testing.T) {
	cfgPath := os.Getenv("OFFLINE0_INSTALL_CHILD")
	if cfgPath == "" {
		t.Skip("only runs as a child of the install tests")
	}
	os.Args = []string{"offline0", "-install", "-config", cfgPath}
	main()
}

func TestInstallFailureExitsNonZero(t *testing.T) {
	out, err := runInstall(t, http.NotFoundHandler())
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, out)
	assert.NotZero(t, exitErr.ExitCode())
	assert.Contains(t, out, "install:")
}

func TestInstallSuccessExitsZero(t *testing.T) {
	out, err := runInstall(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<h1>ok</h1>"))
	}))
	require.NoError(t, err, out)
	assert.Contains(t, out, "installed v1")
}
