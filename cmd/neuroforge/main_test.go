package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LukeLamb/neuroforge-sub000/internal/model"
	"github.com/LukeLamb/neuroforge-sub000/internal/store"
	"github.com/LukeLamb/neuroforge-sub000/internal/store/sqlite"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func seedAgent(t *testing.T, path string) int64 {
	t.Helper()
	st, err := sqlite.Open(path)
	require.NoError(t, err)
	defer st.Close()
	var id int64
	err = st.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		id, err = tx.CreateAgent(context.Background(), &model.Agent{
			Name:               "cli-agent",
			Alg:                "ed25519",
			PublicKey:          "cli-public-key",
			VerificationStatus: model.StatusPending,
			CreatedAt:          time.Now(),
		})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestOperatorCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("NEUROFORGE_CONFIG", "")
	t.Setenv("NEUROFORGE_DATABASE", path)
	t.Setenv("NEUROFORGE_BCRYPT_COST", "4")
	t.Setenv("NEUROFORGE_LOG_LEVEL", "error")

	_, err := run(t, "migrate")
	require.NoError(t, err)
	id := seedAgent(t, path)
	idArg := jsonInt(id)

	out, err := run(t, "agent", "status", "verified", "--agent", idArg)
	require.NoError(t, err)
	var agent model.Agent
	require.NoError(t, json.Unmarshal([]byte(out), &agent))
	assert.Equal(t, model.StatusVerified, agent.VerificationStatus)

	_, err = run(t, "agent", "status", "royalty", "--agent", idArg)
	assert.Error(t, err)

	out, err = run(t, "key", "issue", "--agent", idArg, "--scope", "read", "--ttl", "1h")
	require.NoError(t, err)
	var issued struct {
		Token string       `json:"token"`
		Key   model.APIKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	assert.True(t, strings.HasPrefix(issued.Token, "nf_"))
	assert.Equal(t, []string{"read"}, issued.Key.Scopes)
	require.NotNil(t, issued.Key.ExpiresAt)

	out, err = run(t, "key", "revoke", "--agent", idArg, "--key", jsonInt(issued.Key.ID))
	require.NoError(t, err)
	assert.Contains(t, out, "revoked key")

	_, err = run(t, "key", "revoke", "--agent", idArg, "--key", "999")
	assert.Error(t, err)

	_, err = run(t, "post", "lock", "--post", "42")
	assert.Error(t, err)
}

func TestKeyIssueRequiresAgent(t *testing.T) {
	_, err := run(t, "key", "issue")
	assert.Error(t, err)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
