// Package testutil provides shared test utilities for CLI testing across packages.
// This enables co-located CLI tests while maintaining consistent test infrastructure.
package testutil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"habitkeep/backend/sqlite"
	"habitkeep/cmd/habitkeep/cmd"
	"habitkeep/internal/credentials"
)

// defaultTestConfig keeps everything local.
const defaultTestConfig = "# test config\nsync:\n  enabled: false\n"

// CLITest provides a test helper for running CLI commands in isolation.
type CLITest struct {
	t          *testing.T
	cfg        *cmd.Config
	tmpDir     string
	configPath string
	keyring    *credentials.MockKeyring
}

// NewCLITest creates a new CLI test helper with an isolated database,
// config file and in-memory keyring.
func NewCLITest(t *testing.T) *CLITest {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(defaultTestConfig), 0644); err != nil {
		t.Fatalf("failed to create config file: %v", err)
	}

	keyring := credentials.NewMockKeyring()
	return &CLITest{
		t: t,
		cfg: &cmd.Config{
			NoPrompt:   true,
			DBPath:     filepath.Join(tmpDir, "test.db"),
			ConfigPath: configPath,
			Keyring:    keyring,
		},
		tmpDir:     tmpDir,
		configPath: configPath,
		keyring:    keyring,
	}
}

// NewCLITestWithServer creates a CLI test helper with sync enabled against
// an httptest server running handler. Retries are disabled so failures are
// reported on the first response.
func NewCLITestWithServer(t *testing.T, handler http.Handler) (*CLITest, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewCLITest(t)
	c.SetFullConfig(strings.Join([]string{
		"remote:",
		"  base_url: " + server.URL,
		"  timeout: 5s",
		"  max_retries: 0",
		"sync:",
		"  enabled: true",
		"  max_attempts: 3",
		"  backoff_base: 1s",
		"  backoff_max: 1s",
		"logging:",
		"  file: " + filepath.Join(c.tmpDir, "daemon.log"),
		"",
	}, "\n"))
	return c, server
}

// Config returns the test configuration.
func (c *CLITest) Config() *cmd.Config {
	return c.cfg
}

// TmpDir returns the temporary directory for the test.
func (c *CLITest) TmpDir() string {
	return c.tmpDir
}

// Keyring returns the in-memory token store.
func (c *CLITest) Keyring() *credentials.MockKeyring {
	return c.keyring
}

// SetFullConfig replaces the entire config file with the given YAML content.
func (c *CLITest) SetFullConfig(yamlContent string) {
	c.t.Helper()
	if err := os.WriteFile(c.configPath, []byte(yamlContent), 0644); err != nil {
		c.t.Fatalf("failed to write config file: %v", err)
	}
}

// ConfigPath returns the path to the config file.
func (c *CLITest) ConfigPath() string {
	return c.configPath
}

// SetStdin supplies prompt input and turns interactive prompts on.
func (c *CLITest) SetStdin(input string) {
	c.cfg.Stdin = strings.NewReader(input)
	c.cfg.NoPrompt = false
}

// OpenStore opens the test database for direct inspection. The store is
// closed when the test ends.
func (c *CLITest) OpenStore() *sqlite.Store {
	c.t.Helper()
	store, err := sqlite.New(c.cfg.DBPath)
	if err != nil {
		c.t.Fatalf("failed to open test database: %v", err)
	}
	c.t.Cleanup(func() { _ = store.Close() })
	return store
}

// Execute runs a CLI command with the given arguments and returns stdout, stderr, and exit code.
func (c *CLITest) Execute(args ...string) (stdout, stderr string, exitCode int) {
	c.t.Helper()

	var stdoutBuf, stderrBuf bytes.Buffer
	exitCode = cmd.Execute(args, &stdoutBuf, &stderrBuf, c.cfg)
	return stdoutBuf.String(), stderrBuf.String(), exitCode
}

// MustExecute runs a CLI command and fails the test if exit code is non-zero.
func (c *CLITest) MustExecute(args ...string) string {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode != 0 {
		c.t.Fatalf("expected exit code 0, got %d: stdout=%s stderr=%s", exitCode, stdout, stderr)
	}
	return stdout
}

// ExecuteAndFail runs a CLI command and fails the test if exit code is zero.
func (c *CLITest) ExecuteAndFail(args ...string) (stdout, stderr string) {
	c.t.Helper()

	stdout, stderr, exitCode := c.Execute(args...)
	if exitCode == 0 {
		c.t.Fatalf("expected non-zero exit code, got 0: stdout=%s", stdout)
	}
	return stdout, stderr
}

// Login signs in through the CLI.
func (c *CLITest) Login(userID string, premium bool) string {
	c.t.Helper()
	args := []string{"login", "--user-id", userID, "--email", userID + "@example.com",
		"--token", "access-" + userID, "--refresh-token", "refresh-" + userID}
	if premium {
		args = append(args, "--premium")
	}
	return c.MustExecute(args...)
}

// AssertContains fails the test if output doesn't contain expected string.
func AssertContains(t *testing.T, output, expected string) {
	t.Helper()
	if !strings.Contains(output, expected) {
		t.Errorf("expected output to contain %q, got:\n%s", expected, output)
	}
}

// AssertNotContains fails the test if output contains unexpected string.
func AssertNotContains(t *testing.T, output, unexpected string) {
	t.Helper()
	if strings.Contains(output, unexpected) {
		t.Errorf("expected output NOT to contain %q, got:\n%s", unexpected, output)
	}
}

// AssertExitCode fails the test if exit code doesn't match expected.
func AssertExitCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("expected exit code %d, got %d", want, got)
	}
}

// AssertResultCode verifies that the output ends with the expected result code.
func AssertResultCode(t *testing.T, output, expectedCode string) {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(output), "\n")
	lastLine := strings.TrimSpace(lines[len(lines)-1])
	if lastLine != expectedCode {
		t.Errorf("expected result code %q, got %q\nFull output:\n%s", expectedCode, lastLine, output)
	}
}

// Result code constants for convenience.
const (
	ResultActionCompleted = cmd.ResultActionCompleted
	ResultInfoOnly        = cmd.ResultInfoOnly
	ResultError           = cmd.ResultError
)
