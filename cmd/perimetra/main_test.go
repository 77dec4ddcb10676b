package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

const cliRegistryYAML = `
boundaries:
  - id: b-edge
    name: edge
    classification: internal
    kind: network
    status: active
    version: 1.0.0
    created_at: 2026-03-01T00:00:00Z
    updated_at: 2026-03-01T00:00:00Z
  - id: b-core
    name: core
    classification: restricted
    kind: data
    status: active
    version: 1.2.0
    created_at: 2026-03-01T00:00:00Z
    updated_at: 2026-03-01T00:00:00Z
    controls:
      - id: ctl-authn
        kind: authentication
`

// writeWorkspace lays out a config file, registry, and storage directory the
// way an operator would, with a fixed seal key so separate invocations share
// sealed state.
func writeWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	registryPath := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(registryPath, []byte(cliRegistryYAML), 0o644))

	configPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`
registry:
  file: %s
storage:
  dir: %s
seal:
  key: cli-test-key
`, registryPath, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

// execute runs one CLI invocation against a fresh command tree, the way a
// shell would.
func execute(args ...string) (string, error) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()

	assert.Equal(t, "perimetra", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)

	logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, logLevelFlag)
	assert.Equal(t, "l", logLevelFlag.Shorthand)
	assert.Equal(t, "warn", logLevelFlag.DefValue)

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{
		"submit", "authorize", "execute", "attest", "status", "list",
		"trail", "verify", "report-violation", "trust", "boundaries",
	} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestParseKeyValues(t *testing.T) {
	tests := []struct {
		name      string
		pairs     []string
		expected  map[string]string
		expectErr bool
	}{
		{name: "empty", pairs: nil, expected: nil},
		{name: "single pair", pairs: []string{"env=prod"}, expected: map[string]string{"env": "prod"}},
		{name: "value containing equals", pairs: []string{"query=a=b"}, expected: map[string]string{"query": "a=b"}},
		{name: "missing separator", pairs: []string{"justakey"}, expectErr: true},
		{name: "empty key", pairs: []string{"=value"}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKeyValues(tt.pairs)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestLifecycleAcrossInvocations(t *testing.T) {
	configPath := writeWorkspace(t)

	out, err := execute("submit", "--config", configPath,
		"--source", "b-edge", "--target", "b-core", "--requester", "svc-orders",
		"--content-hash", "sha256:abc", "--data", "order=ord-13")
	require.NoError(t, err)
	var submitted domain.CrossingRequest
	require.NoError(t, json.Unmarshal([]byte(out), &submitted))
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, domain.CrossingAuthorizationPending, submitted.Status)
	assert.Equal(t, "ord-13", submitted.Payload.Data["order"])

	out, err = execute("attest", submitted.ID, "--config", configPath,
		"--attester", "scanner-7", "--claim", "scan=clean")
	require.NoError(t, err)
	var attested domain.CrossingRequest
	require.NoError(t, json.Unmarshal([]byte(out), &attested))
	assert.Len(t, attested.AttestationRefs, 1)

	out, err = execute("authorize", submitted.ID, "--config", configPath,
		"--authorizer", "ops-1", "--reason", "change window")
	require.NoError(t, err)
	var authorized domain.CrossingRequest
	require.NoError(t, json.Unmarshal([]byte(out), &authorized))
	assert.Equal(t, domain.CrossingAuthorized, authorized.Status)
	require.NotNil(t, authorized.Authorization)
	assert.Equal(t, "ops-1", authorized.Authorization.AuthorizerID)

	out, err = execute("execute", submitted.ID, "--config", configPath)
	require.NoError(t, err)
	var executed domain.CrossingRequest
	require.NoError(t, json.Unmarshal([]byte(out), &executed))
	assert.Equal(t, domain.CrossingCompleted, executed.Status)
	require.NotNil(t, executed.Execution)
	assert.True(t, executed.Execution.Success)

	out, err = execute("status", submitted.ID, "--config", configPath)
	require.NoError(t, err)
	var fetched domain.CrossingRequest
	require.NoError(t, json.Unmarshal([]byte(out), &fetched))
	assert.Equal(t, domain.CrossingCompleted, fetched.Status)

	out, err = execute("trail", submitted.ID, "--config", configPath)
	require.NoError(t, err)
	var trail []domain.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(out), &trail))
	assert.NotEmpty(t, trail)

	out, err = execute("list", "--config", configPath, "--status", "completed")
	require.NoError(t, err)
	var completed []*domain.CrossingRequest
	require.NoError(t, json.Unmarshal([]byte(out), &completed))
	require.Len(t, completed, 1)
	assert.Equal(t, submitted.ID, completed[0].ID)
}

func TestAuthorizeByPolicy(t *testing.T) {
	configPath := writeWorkspace(t)

	out, err := execute("submit", "--config", configPath,
		"--target", "b-core", "--requester", "svc-orders")
	require.NoError(t, err)
	var submitted domain.CrossingRequest
	require.NoError(t, json.Unmarshal([]byte(out), &submitted))

	out, err = execute("authorize", submitted.ID, "--config", configPath, "--policy")
	require.NoError(t, err)
	var decided domain.CrossingRequest
	require.NoError(t, json.Unmarshal([]byte(out), &decided))
	assert.Equal(t, domain.CrossingAuthorized, decided.Status)
	require.NotNil(t, decided.Authorization)
	assert.Equal(t, policyAuthorizerID, decided.Authorization.AuthorizerID)
}

func TestAuthorizeFlagValidation(t *testing.T) {
	configPath := writeWorkspace(t)

	_, err := execute("authorize", "req-x", "--config", configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either --authorizer or --policy")

	_, err = execute("authorize", "req-x", "--config", configPath,
		"--policy", "--authorizer", "ops-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestTrustReflectsDeniedCrossing(t *testing.T) {
	configPath := writeWorkspace(t)

	out, err := execute("submit", "--config", configPath,
		"--source", "b-edge", "--target", "b-core", "--requester", "svc-orders")
	require.NoError(t, err)
	var submitted domain.CrossingRequest
	require.NoError(t, json.Unmarshal([]byte(out), &submitted))

	_, err = execute("authorize", submitted.ID, "--config", configPath,
		"--authorizer", "ops-1", "--deny", "--reason", "outside change window")
	require.NoError(t, err)

	out, err = execute("trust", "--config", configPath)
	require.NoError(t, err)
	var scores map[string]float64
	require.NoError(t, json.Unmarshal([]byte(out), &scores))
	assert.InDelta(t, 0.95, scores["b-edge"], 1e-9)
	assert.InDelta(t, 0.95, scores["b-core"], 1e-9)

	out, err = execute("trust", "b-edge", "--config", configPath)
	require.NoError(t, err)
	var report trustReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "b-edge", report.EntityID)
	assert.InDelta(t, 0.95, report.Score, 1e-9)
	require.Len(t, report.Events, 1)
	assert.Equal(t, domain.DecayDenied, report.Events[0].Reason)
}

func TestVerifyReportAndHistory(t *testing.T) {
	configPath := writeWorkspace(t)

	out, err := execute("verify", "b-core", "--config", configPath)
	require.NoError(t, err)
	var record domain.VerificationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	assert.Equal(t, "b-core", record.BoundaryID)
	assert.Equal(t, domain.VerificationComprehensive, record.Kind)
	assert.Greater(t, record.TotalChecks, 0)

	_, err = execute("report-violation", "b-core", "--config", configPath,
		"--kind", "control_bypass", "--severity", "high",
		"--evidence", "scanner reached the admin port without credentials")
	require.NoError(t, err)

	out, err = execute("verify", "b-core", "--config", configPath, "--latest")
	require.NoError(t, err)
	var latest domain.VerificationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &latest))
	require.NotEmpty(t, latest.Violations)
	assert.Equal(t, domain.ViolationControlBypass, latest.Violations[0].Kind)

	out, err = execute("verify", "b-core", "--config", configPath, "--history")
	require.NoError(t, err)
	var history []*domain.VerificationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	assert.Len(t, history, 2)
}

func TestBoundariesFromRegistry(t *testing.T) {
	configPath := writeWorkspace(t)

	out, err := execute("boundaries", "--config", configPath)
	require.NoError(t, err)
	var boundaries []*domain.Boundary
	require.NoError(t, json.Unmarshal([]byte(out), &boundaries))
	assert.Len(t, boundaries, 2)

	out, err = execute("boundaries", "b-core", "--config", configPath)
	require.NoError(t, err)
	var boundary domain.Boundary
	require.NoError(t, json.Unmarshal([]byte(out), &boundary))
	assert.Equal(t, "core", boundary.Name)
	require.Len(t, boundary.Controls, 1)
	assert.Equal(t, domain.ControlAuthentication, boundary.Controls[0].Kind)
}
