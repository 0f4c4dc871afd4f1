package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/captainteodor/vibess/pkg/data"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadSeedFile(t *testing.T) {
	t.Run("Parses Candidates", func(t *testing.T) {
		path := writeSeed(t, `
candidates:
  - owner: alice
    image_url: https://img.example.com/a.jpg
    name: Alice
    status: Active
  - owner: bob
    image_url: https://img.example.com/b.jpg
`)
		cands, err := readSeedFile(path)
		require.NoError(t, err)
		require.Len(t, cands, 2)
		assert.Equal(t, "alice", cands[0].OwnerID)
		assert.Equal(t, "Alice", cands[0].Name)
		assert.Equal(t, data.StatusActive, cands[0].Status)
		assert.Equal(t, data.StatusInactive, cands[1].Status)
		assert.NotEqual(t, cands[0].ID, cands[1].ID)
	})

	t.Run("Rejects Bad Entries", func(t *testing.T) {
		tests := map[string]string{
			"missing owner": "candidates:\n  - image_url: https://img.example.com/a.jpg\n",
			"bad status":    "candidates:\n  - owner: a\n    image_url: u\n    status: Archived\n",
			"not yaml":      "candidates: [",
			"two active":    "candidates:\n  - owner: a\n    image_url: https://img.example.com/1.jpg\n    status: Active\n  - owner: a\n    image_url: https://img.example.com/2.jpg\n    status: Active\n",
		}
		for name, body := range tests {
			t.Run(name, func(t *testing.T) {
				_, err := readSeedFile(writeSeed(t, body))
				assert.Error(t, err)
			})
		}
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := readSeedFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestSeedCandidates(t *testing.T) {
	ctx := context.Background()
	ledger := data.NewMemoryLedger()

	var cands []*data.Candidate
	for _, owner := range []string{"a", "b", "c", "d", "e"} {
		c, err := data.NewCandidate(owner, "https://img.example.com/"+owner+".jpg")
		require.NoError(t, err)
		c.Status = data.StatusActive
		cands = append(cands, c)
	}

	n, err := seedCandidates(ctx, ledger, cands, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	page, err := ledger.ListActiveCandidates(ctx, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Candidates, 5)

	require.NoError(t, ledger.Close())
	_, err = seedCandidates(ctx, ledger, cands[:1], 0)
	assert.ErrorIs(t, err, data.ErrUnavailable)
}
