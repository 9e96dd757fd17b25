package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/integrity/pkg/rollback"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`database:
  driver: sqlite
  dsn: %s
ledger:
  seed: ctl-test-seed
archive:
  type: fs
  dir: %s
log_level: WARN
`, filepath.Join(dir, "integrity.db"), filepath.Join(dir, "archive"))
	path := filepath.Join(dir, "integrity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	code, out, errOut := runCLI(args...)
	require.Equal(t, 0, code, "integrityctl %v: %s", args, errOut)
	return out
}

func decode(t *testing.T, out string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestHaltRollbackCease(t *testing.T) {
	cfg := writeConfig(t)

	var status struct {
		System struct {
			SystemStatus string `json:"system_status"`
		} `json:"system"`
		Head struct {
			Sequence uint64 `json:"sequence"`
		} `json:"head"`
		OrphanedCount int `json:"orphaned_count"`
	}
	decode(t, mustRun(t, "status", "-c", cfg), &status)
	assert.Equal(t, "OPERATIONAL", status.System.SystemStatus)
	assert.Zero(t, status.Head.Sequence)

	// halt.triggered (1), sweep summary (2), halt.cleared (3)
	mustRun(t, "halt", "-c", cfg, "--reason", "fork", "--by", "monitor")
	mustRun(t, "clear-halt", "-c", cfg, "--by", "keeper-1", "--reason", "resolved")

	var cp rollback.Checkpoint
	decode(t, mustRun(t, "rollback", "checkpoints", "create", "-c", cfg, "--creator", "scheduler"), &cp)
	assert.Equal(t, uint64(3), cp.EventSequence)

	var cps []rollback.Checkpoint
	decode(t, mustRun(t, "rollback", "checkpoints", "-c", cfg), &cps)
	require.Len(t, cps, 1)

	// Rollback needs a halted system.
	code, _, errOut := runCLI("rollback", "select", "-c", cfg, "--checkpoint", cp.CheckpointID, "--keepers", "k1,k2")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error:")

	mustRun(t, "halt", "-c", cfg, "--reason", "bad votes", "--by", "monitor")

	var sel rollback.RollbackTargetSelectedPayload
	decode(t, mustRun(t, "rollback", "select", "-c", cfg, "--checkpoint", cp.CheckpointID, "--keepers", "k1,k2", "--reason", "bad votes"), &sel)
	assert.Equal(t, uint64(3), sel.TargetEventSequence)
	assert.Equal(t, uint64(5), sel.CurrentHeadSequence)

	var rbStatus rollback.RollbackStatus
	decode(t, mustRun(t, "rollback", "status", "-c", cfg), &rbStatus)
	assert.True(t, rbStatus.TargetSelected)

	now := time.Now().UTC()
	evidence, err := json.Marshal(rollback.CeremonyEvidence{
		CeremonyID:   "cer-ctl",
		CeremonyType: rollback.CeremonyTypeRollback,
		Approvals: []rollback.Approval{
			{KeeperID: "k1", Signature: "sig-1", SignedAt: now},
			{KeeperID: "k2", Signature: "sig-2", SignedAt: now},
		},
	})
	require.NoError(t, err)
	evidencePath := filepath.Join(t.TempDir(), "evidence.json")
	require.NoError(t, os.WriteFile(evidencePath, evidence, 0o600))

	// Approvals are checked against registered keeper keys by default.
	code, _, errOut = runCLI("rollback", "execute", "-c", cfg, "--evidence", evidencePath)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "signature does not verify")

	t.Setenv("INTEGRITY_ROLLBACK_VERIFY_SIGNATURES", "false")
	var done rollback.RollbackCompletedPayload
	decode(t, mustRun(t, "rollback", "execute", "-c", cfg, "--evidence", evidencePath), &done)
	assert.Equal(t, uint64(4), done.OrphanedStartSequence)

	decode(t, mustRun(t, "status", "-c", cfg), &status)
	assert.Equal(t, "HALTED", status.System.SystemStatus)
	assert.Equal(t, 2, status.OrphanedCount)

	code, _, errOut = runCLI("cease", "-c", cfg, "--reason", "end", "--by", "board")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--confirm")

	mustRun(t, "cease", "-c", cfg, "--reason", "end", "--by", "board", "--confirm")
	out := mustRun(t, "status", "-c", cfg, "-o", "yaml")
	assert.Contains(t, out, "system_status: CEASED")

	code, _, _ = runCLI("halt", "-c", cfg, "--reason", "late", "--by", "monitor")
	assert.Equal(t, 1, code)

	var export struct {
		EventCount int  `json:"event_count"`
		ChainValid bool `json:"chain_valid"`
	}
	decode(t, mustRun(t, "export", "-c", cfg), &export)
	assert.Positive(t, export.EventCount)
	assert.True(t, export.ChainValid)
}

func TestKeys(t *testing.T) {
	cfg := writeConfig(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubB64 := base64.StdEncoding.EncodeToString(pub)

	mustRun(t, "keys", "register", "-c", cfg, "--keeper", "k1", "--key-id", "key-a", "--public-key", pubB64)

	code, _, errOut := runCLI("keys", "register", "-c", cfg, "--keeper", "k1", "--key-id", "key-a", "--public-key", pubB64)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "already registered")

	code, _, _ = runCLI("keys", "register", "-c", cfg, "--keeper", "k1", "--key-id", "key-b", "--public-key", "not base64!")
	assert.Equal(t, 1, code)

	var listing keyListing
	decode(t, mustRun(t, "keys", "list", "-c", cfg), &listing)
	require.Len(t, listing.Keys, 1)
	assert.Equal(t, "key-a", listing.Keys[0].KeyID)
	assert.Empty(t, listing.Rotations)

	code, _, _ = runCLI("keys", "revoke", "-c", cfg, "--key-id", "key-a")
	assert.Equal(t, 1, code)
	mustRun(t, "keys", "revoke", "-c", cfg, "--key-id", "key-a", "--reason", "compromised", "--by", "security")

	decode(t, mustRun(t, "keys", "list", "-c", cfg, "--keeper", "k1"), &listing)
	require.Len(t, listing.Keys, 1)
	assert.NotNil(t, listing.Keys[0].ActiveUntil)
}

func TestRun_Errors(t *testing.T) {
	code, _, errOut := runCLI("status", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "load config")

	cfg := writeConfig(t)
	code, _, _ = runCLI("status", "-c", cfg, "-o", "table")
	assert.Equal(t, 1, code)

	code, _, errOut = runCLI("halt", "-c", cfg)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--reason is required")

	code, _, _ = runCLI("rollback", "checkpoints", "create", "-c", cfg, "--creator", "x", "--type", "hourly")
	assert.Equal(t, 1, code)
}
