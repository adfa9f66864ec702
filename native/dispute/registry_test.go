package dispute

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
)

type memStore struct {
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) KVGet(key []byte, out interface{}) (bool, error) {
	raw, ok := s.data[string(key)]
	if !ok {
		return false, nil
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *memStore) KVPut(key []byte, value interface{}) error {
	raw, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	s.data[string(key)] = raw
	return nil
}

func (s *memStore) KVDelete(key []byte) error {
	delete(s.data, string(key))
	return nil
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func TestRegistryOpenAndGet(t *testing.T) {
	registry := NewRegistry(newMemStore())
	registry.SetNowFunc(func() int64 { return 1700000000 })

	txID := [32]byte{0x01}
	buyer := testAddr(0x01)
	seller := testAddr(0x02)

	id, err := registry.Open(txID, buyer, seller, 3, buyer)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if id == ([32]byte{}) {
		t.Fatalf("expected dispute id")
	}

	record, ok, err := registry.Get(txID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if record.ID != id || record.Transaction != txID {
		t.Fatalf("unexpected record identifiers")
	}
	if record.State != StateOpen || record.Threshold != 3 || record.Funder != buyer {
		t.Fatalf("unexpected record contents: %+v", record)
	}
	if record.OpenedAt != 1700000000 {
		t.Fatalf("unexpected opened timestamp %d", record.OpenedAt)
	}

	// One dispute per transaction.
	if _, err := registry.Open(txID, buyer, seller, 3, seller); !errors.Is(err, ErrDisputeExists) {
		t.Fatalf("expected ErrDisputeExists, got %v", err)
	}
}

func TestRegistryResolve(t *testing.T) {
	registry := NewRegistry(newMemStore())
	txID := [32]byte{0x02}
	buyer := testAddr(0x01)
	seller := testAddr(0x02)

	if _, err := registry.Resolve(txID, buyer); !errors.Is(err, ErrDisputeNotFound) {
		t.Fatalf("expected ErrDisputeNotFound, got %v", err)
	}
	if _, err := registry.Open(txID, buyer, seller, 2, buyer); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := registry.Resolve(txID, testAddr(0x99)); !errors.Is(err, ErrInvalidFavor) {
		t.Fatalf("expected ErrInvalidFavor, got %v", err)
	}

	record, err := registry.Resolve(txID, seller)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if record.State != StateResolved || record.Favor != seller {
		t.Fatalf("unexpected verdict: %+v", record)
	}

	// Verdicts are final.
	if _, err := registry.Resolve(txID, buyer); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestRegistryRemove(t *testing.T) {
	registry := NewRegistry(newMemStore())
	txID := [32]byte{0x03}

	if _, err := registry.Open(txID, testAddr(0x01), testAddr(0x02), 1, testAddr(0x01)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := registry.Remove(txID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := registry.Get(txID); ok {
		t.Fatalf("expected record removed")
	}

	// A fresh dispute may be opened once the previous record is consumed.
	if _, err := registry.Open(txID, testAddr(0x01), testAddr(0x02), 1, testAddr(0x02)); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}
