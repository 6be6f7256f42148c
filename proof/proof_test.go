package proof

import "testing"

func TestRoundTrip(t *testing.T) {
	p := &ArchivistProof{
		Mcodec:  0xcd10,
		Index:   7,
		Nleaves: 16,
		Path: []*ProofNode{
			{Hash: []byte{1, 2, 3}, Left: true},
			{Hash: []byte{4, 5, 6}, Left: false},
		},
	}

	decoded, err := Unmarshal(p.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Mcodec != p.Mcodec || decoded.Index != p.Index || decoded.Nleaves != p.Nleaves {
		t.Fatalf("scalar fields mismatch: got %+v", decoded)
	}
	if len(decoded.Path) != 2 {
		t.Fatalf("expected 2 path nodes, got %d", len(decoded.Path))
	}
	for i, n := range decoded.Path {
		if string(n.Hash) != string(p.Path[i].Hash) {
			t.Errorf("path node %d mismatch", i)
		}
		if n.Left != p.Path[i].Left {
			t.Errorf("path node %d left mismatch: got %v, want %v", i, n.Left, p.Path[i].Left)
		}
	}
}

func TestEmptyPathRoundTrip(t *testing.T) {
	p := &ArchivistProof{Mcodec: 0x12, Index: 0, Nleaves: 1}
	decoded, err := Unmarshal(p.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded.Path) != 0 {
		t.Errorf("expected empty path, got %d nodes", len(decoded.Path))
	}
}
