package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fundScenario is a one-step scenario whose expected balance is want.
func fundScenario(name string, want int) string {
	return fmt.Sprintf(`name: %s
description: provide funds once
network:
  owner: sysadmin
  gas_price: 1
flow:
  - op: provide_funds
    args: {provider: prov, amount: 10}
    expect:
      code: OK
      result: {balance: %d}
assertions:
  - type: event_count
    kind: funds_provided
    count: 1
`, name, want)
}

func writeScenario(t *testing.T, dir, file, body string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func executeTest(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: format}
	cmd := NewTestCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := executeTest(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	_, err := executeTest(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenarios not found")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandUpdateRequiresGolden(t *testing.T) {
	_, err := executeTest(t, "text", t.TempDir(), "--update")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--update requires --golden")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommandEmptyScenariosDir(t *testing.T) {
	out, err := executeTest(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommandEmptyScenariosDirJSON(t *testing.T) {
	out, err := executeTest(t, "json", t.TempDir())
	require.NoError(t, err)

	var response CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "ok", response.Status)
}

func TestTestCommandPassingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "fund.yaml", fundScenario("fund_once", 10))

	out, err := executeTest(t, "text", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ fund_once")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "All scenarios passed")
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "good.yaml", fundScenario("fund_good", 10))
	writeScenario(t, dir, "bad.yaml", fundScenario("fund_bad", 11))

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ fund_bad")
	assert.Contains(t, out, "balance: expected 11, got 10")
	assert.Contains(t, out, "✓ fund_good")
	assert.Contains(t, out, "Test Summary: 1 passed, 1 failed, 2 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "bad.yaml", fundScenario("fund_bad", 11))

	out, err := executeTest(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var response struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &response))
	assert.Equal(t, "error", response.Status)
	require.NotNil(t, response.Error)
	assert.Equal(t, "E_TEST_FAILED", response.Error.Code)
	require.Len(t, response.Data.Scenarios, 1)
	assert.False(t, response.Data.Scenarios[0].Pass)
	assert.Equal(t, "fund_bad", response.Data.Scenarios[0].Name)
	assert.NotEmpty(t, response.Data.Scenarios[0].Errors)
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "broken.yaml", "name: broken\nunknown_field: true\n")

	out, err := executeTest(t, "text", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "claim_one.yaml", fundScenario("claim_one", 10))
	writeScenario(t, dir, "stake_one.yaml", fundScenario("stake_one", 11))

	out, err := executeTest(t, "text", dir, "--filter", "claim_*")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ claim_one")
	assert.NotContains(t, out, "stake_one")
}

func TestTestCommandGoldenUpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	golden := filepath.Join(t.TempDir(), "golden")
	writeScenario(t, dir, "fund.yaml", fundScenario("fund_once", 10))

	out, err := executeTest(t, "text", dir, "--golden", golden)
	require.Error(t, err)
	assert.Contains(t, out, "golden file missing")

	out, err = executeTest(t, "text", dir, "--golden", golden, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ fund_once (golden updated)")

	data, err := os.ReadFile(filepath.Join(golden, "fund_once.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name":"fund_once"`)
	assert.Contains(t, string(data), `"kind":"funds_provided"`)

	out, err = executeTest(t, "text", dir, "--golden", golden)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ fund_once")

	require.NoError(t, os.WriteFile(filepath.Join(golden, "fund_once.golden"), []byte("{}\n"), 0644))
	out, err = executeTest(t, "text", dir, "--golden", golden)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	out, err := executeTest(t, "text",
		filepath.Join("..", "harness", "testdata", "scenarios"),
		"--golden", filepath.Join("..", "harness", "testdata", "golden"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "Test Summary: 3 passed, 0 failed, 3 total")
}

func TestTestHelpText(t *testing.T) {
	out, err := executeTest(t, "text", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "scenario")
	assert.Contains(t, out, "--update")
	assert.Contains(t, out, "--filter")
	assert.Contains(t, out, "--golden")
}

func TestFindScenarioFiles(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test2.yml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "ignore.txt"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestFindScenarioFilesWithFilter(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "claim-mint.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "claim-execute.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "stake-gate.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "claim-*")
	require.NoError(t, err)
	assert.Len(t, files, 2)

	for _, f := range files {
		base := filepath.Base(f)
		assert.True(t, len(base) >= 6 && base[:6] == "claim-", "Expected file to start with 'claim-': %s", f)
	}
}

func TestFindScenarioFilesInvalidFilter(t *testing.T) {
	_, err := findScenarioFiles(t.TempDir(), "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestFindScenarioFilesSubdirectories(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0755))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.yaml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "sub.yaml"), []byte(""), 0644))

	files, err := findScenarioFiles(tmpDir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
