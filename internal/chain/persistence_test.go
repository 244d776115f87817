package chain

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	playScript(t, h)
	h.mustSubmit("alice", createTx(referencePot))

	path := filepath.Join(t.TempDir(), "state", "snapshot.json")
	if err := h.chain.SaveSnapshot(path); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	loaded, err := LoadSnapshot(path, Config{Clock: h.clock})
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}

	if diff := cmp.Diff(h.chain.Snapshot(), loaded.Snapshot(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	// The restored chain keeps accepting transactions where the old one stopped.
	h.chain = loaded
	h.mustSubmit("bob", buyInTx(1, 2_002))
	if owner, _ := loaded.PotOwner(1); owner != h.addr("bob") {
		t.Fatalf("unexpected owner after reload: %s", owner)
	}
}

func TestSQLiteSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t, Config{BurnPolicy: "fixed", ExtensionPolicy: "from-deadline"})
	playScript(t, h)

	path := filepath.Join(t.TempDir(), "state.db")
	if err := h.chain.SaveSQLiteSnapshot(path); err != nil {
		t.Fatalf("save sqlite snapshot: %v", err)
	}
	h.mustSubmit("alice", createTx(referencePot))
	if err := h.chain.SaveSQLiteSnapshot(path); err != nil {
		t.Fatalf("overwrite sqlite snapshot: %v", err)
	}

	loaded, err := LoadSQLiteSnapshot(path, Config{Clock: h.clock})
	if err != nil {
		t.Fatalf("load sqlite snapshot: %v", err)
	}
	if diff := cmp.Diff(h.chain.Snapshot(), loaded.Snapshot(), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	status := loaded.GetStatus()
	if status.BurnPolicy != "fixed" || status.ExtensionPolicy != "from-deadline" {
		t.Fatalf("policies not restored: %+v", status)
	}
	if _, ok := loaded.GetTransaction(h.chain.GetBlocks(1, 1)[0].Tx.ID()); !ok {
		t.Fatalf("tx index not rebuilt")
	}
}

func TestLoadSQLiteSnapshotMissingState(t *testing.T) {
	_, err := LoadSQLiteSnapshot(filepath.Join(t.TempDir(), "empty.db"), Config{})
	if err == nil || !strings.Contains(err.Error(), "no snapshot") {
		t.Fatalf("expected missing snapshot error, got %v", err)
	}
}

func TestLoadSnapshotRejectsTamperedState(t *testing.T) {
	h := newHarness(t, Config{})
	playScript(t, h)

	tests := []struct {
		name   string
		mutate func(ss *Snapshot)
		want   string
	}{
		{
			name: "minted balance",
			mutate: func(ss *Snapshot) {
				acc := ss.Accounts[h.addr("dave")]
				acc.Balance += 1_000_000
				ss.Accounts[h.addr("dave")] = acc
			},
			want: "state root",
		},
		{
			name: "rewritten owner",
			mutate: func(ss *Snapshot) {
				ss.Pots[0].Owner = string(h.addr("dave"))
			},
			want: "state root",
		},
		{
			name: "broken link",
			mutate: func(ss *Snapshot) {
				ss.Blocks[2].PrevHash = "00"
			},
			want: "hash mismatch",
		},
		{
			name: "unknown version",
			mutate: func(ss *Snapshot) {
				ss.Version = 99
			},
			want: "unsupported snapshot version",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ss := h.chain.Snapshot()
			ss.Accounts = cloneAccountValues(ss.Accounts)
			ss.Blocks = append([]Block(nil), ss.Blocks...)
			tc.mutate(&ss)

			data, err := json.Marshal(ss)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			path := filepath.Join(t.TempDir(), "snapshot.json")
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			_, err = LoadSnapshot(path, Config{})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func cloneAccountValues(src map[Address]Account) map[Address]Account {
	out := make(map[Address]Account, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
