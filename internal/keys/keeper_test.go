package keys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/suizapt/zksync-era/internal/prover"
)

func manifestYAML(width int) string {
	var b strings.Builder
	b.WriteString("node_layer_vk:\n")
	b.WriteString("  circuit_id: 2\n")
	b.WriteString("  hash: \"0xnodevk\"\n")
	b.WriteString("leaf_layer_parameters:\n")
	for i := 0; i < width; i++ {
		fmt.Fprintf(&b, "  - circuit_id: %d\n    vk_commitment: \"0xleaf%d\"\n", i+1, i+1)
	}
	b.WriteString("scheduler_capacity: 1048576\n")
	b.WriteString("expected_proof_count: 13\n")
	return b.String()
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	keeper, err := Load(writeManifest(t, manifestYAML(prover.LeafLayerWidth)))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := keeper.NodeLayerVK().Hash; got != "0xnodevk" {
		t.Fatalf("NodeLayerVK().Hash = %q, want 0xnodevk", got)
	}
	params := keeper.LeafLayerParameters()
	if len(params) != prover.LeafLayerWidth {
		t.Fatalf("len(LeafLayerParameters()) = %d, want %d", len(params), prover.LeafLayerWidth)
	}
	if params[0].CircuitID != 1 || params[0].VKCommitment != "0xleaf1" {
		t.Fatalf("params[0] = %+v, want circuit 1 / 0xleaf1", params[0])
	}
	if keeper.Capacity() != 1048576 {
		t.Fatalf("Capacity() = %d, want 1048576", keeper.Capacity())
	}
	if keeper.ExpectedProofCount() != 13 {
		t.Fatalf("ExpectedProofCount() = %d, want 13", keeper.ExpectedProofCount())
	}
}

func TestLoadRejectsWrongWidth(t *testing.T) {
	_, err := Load(writeManifest(t, manifestYAML(prover.LeafLayerWidth-1)))
	if !errors.Is(err, prover.ErrLeafParameterWidth) {
		t.Fatalf("Load error = %v, want ErrLeafParameterWidth", err)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load accepted a missing manifest")
	}
}

func TestLoadRejectsDuplicateCircuitIDs(t *testing.T) {
	content := manifestYAML(prover.LeafLayerWidth)
	content = strings.Replace(content, "circuit_id: 2\n    vk_commitment: \"0xleaf2\"", "circuit_id: 1\n    vk_commitment: \"0xleaf2\"", 1)
	if _, err := Load(writeManifest(t, content)); err == nil {
		t.Fatal("Load accepted duplicate leaf circuit IDs")
	}
}

func TestLoadRejectsZeroCapacity(t *testing.T) {
	content := strings.Replace(manifestYAML(prover.LeafLayerWidth), "scheduler_capacity: 1048576", "scheduler_capacity: 0", 1)
	if _, err := Load(writeManifest(t, content)); err == nil {
		t.Fatal("Load accepted zero scheduler_capacity")
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	keeper, err := Load(writeManifest(t, manifestYAML(prover.LeafLayerWidth)))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	params := keeper.LeafLayerParameters()
	params[0].VKCommitment = "tampered"
	if keeper.LeafLayerParameters()[0].VKCommitment == "tampered" {
		t.Fatal("LeafLayerParameters exposed internal state")
	}
}
