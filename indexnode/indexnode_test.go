package indexnode

import (
	"bytes"
	"testing"
)

func TestIndexNodeMarshalUnmarshal(t *testing.T) {
	node := NewIndexNode(8, 32, false, false, false)

	entries := []struct {
		key   uint64
		value []byte
	}{
		{1, make([]byte, 32)},
		{2, make([]byte, 32)},
		{3, make([]byte, 32)},
		{4, make([]byte, 32)},
	}

	for i, e := range entries {
		for j := range e.value {
			e.value[j] = byte(i)
		}
		key := make([]byte, 8)
		key[7] = byte(e.key)
		if err := node.AddEntry(key, e.value, 0); err != nil {
			t.Fatalf("AddEntry failed: %v", err)
		}
	}

	node.Sort()

	data, err := node.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	t.Logf("Marshaled size: %d bytes", len(data))

	node2, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if len(node2.Entries) != len(node.Entries) {
		t.Fatalf("Entry count mismatch: got %d, want %d", len(node2.Entries), len(node.Entries))
	}
	for i := range node.Entries {
		if !bytes.Equal(node2.Entries[i].Key, node.Entries[i].Key) {
			t.Errorf("Entry %d key mismatch: got %x, want %x", i, node2.Entries[i].Key, node.Entries[i].Key)
		}
		if !bytes.Equal(node2.Entries[i].Value, node.Entries[i].Value) {
			t.Errorf("Entry %d value mismatch", i)
		}
	}
}

func TestIndexNodeFind(t *testing.T) {
	node := NewIndexNode(6, 32, false, false, false)

	testData := map[string][]byte{
		"apple ": bytes.Repeat([]byte{1}, 32),
		"banana": bytes.Repeat([]byte{2}, 32),
		"cherry": bytes.Repeat([]byte{3}, 32),
	}

	for key, value := range testData {
		if err := node.AddEntry([]byte(key), value, 0); err != nil {
			t.Fatalf("AddEntry failed: %v", err)
		}
	}

	if err := node.Sort(); err != nil {
		t.Fatalf("Sort failed: %v", err)
	}

	for key, expected := range testData {
		value, found := node.Find([]byte(key))
		if !found {
			t.Errorf("key %q not found", key)
		}
		if !bytes.Equal(value, expected) {
			t.Errorf("value mismatch for key %q", key)
		}
	}

	if _, found := node.Find([]byte("orange")); found {
		t.Error("found non-existent key 'orange'")
	}
}

func TestIndexNodeHash(t *testing.T) {
	node := NewIndexNode(8, 32, false, false, false)

	value := make([]byte, 32)
	for i := range value {
		value[i] = byte(i)
	}
	if err := node.AddEntry(make([]byte, 8), value, 0); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}

	hash1, err := node.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if len(hash1) == 0 {
		t.Error("Hash returned empty multihash")
	}

	hash2, err := node.Hash()
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !bytes.Equal(hash1, hash2) {
		t.Error("Hash not deterministic")
	}
}

func TestIndexNodeSorting(t *testing.T) {
	node := NewIndexNode(5, 1, false, false, false)

	keys := []string{"zebra", "apple", "mango", "bana0"}
	value := []byte{0}
	for _, key := range keys {
		if err := node.AddEntry([]byte(key), value, 0); err != nil {
			t.Fatalf("AddEntry failed: %v", err)
		}
	}

	if err := node.Sort(); err != nil {
		t.Fatalf("Sort failed: %v", err)
	}

	expected := []string{"apple", "bana0", "mango", "zebra"}
	for i, want := range expected {
		if string(node.Entries[i].Key) != want {
			t.Errorf("Entry %d: got %s, want %s", i, node.Entries[i].Key, want)
		}
	}
}

func TestIndexNodeSizeMatchesMarshal(t *testing.T) {
	node := NewIndexNode(8, 32, false, false, false)
	if err := node.AddEntry(make([]byte, 8), make([]byte, 32), 0); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}

	data, err := node.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if node.Size() != len(data) {
		t.Errorf("Size() = %d, Marshal produced %d bytes", node.Size(), len(data))
	}
}

func TestNewLeafIndexRoundTrip(t *testing.T) {
	leafDigests := make([][32]byte, 6)
	for i := range leafDigests {
		for j := range leafDigests[i] {
			leafDigests[i][j] = byte(i*7 + j)
		}
	}

	page, err := NewLeafIndex(leafDigests)
	if err != nil {
		t.Fatalf("NewLeafIndex failed: %v", err)
	}
	if len(page.Entries) != len(leafDigests) {
		t.Fatalf("entry count mismatch: got %d, want %d", len(page.Entries), len(leafDigests))
	}

	data, err := page.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.KeySize != LeafIndexKeySize || decoded.ValueSize != LeafIndexValueSize {
		t.Fatalf("key/value size mismatch: got %d/%d", decoded.KeySize, decoded.ValueSize)
	}

	var key [LeafIndexKeySize]byte
	for i, digest := range leafDigests {
		putUint64(key[:], uint64(i))
		value, found := decoded.Find(key[:])
		if !found {
			t.Fatalf("leaf %d not found in decoded page", i)
		}
		if !bytes.Equal(value, digest[:]) {
			t.Errorf("leaf %d digest mismatch: got %x, want %x", i, value, digest[:])
		}
	}
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
