package mesh

import (
	"context"
	"testing"
	"time"

	"awoxmesh/internal/mesh/packet"
)

func TestProvisionFactoryFreshDevice(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)

	done := make(chan error, 1)
	go func() { done <- m.Provision(context.Background(), testMAC) }()

	// Once the pair request and the three credential frames are written,
	// the provisioning code is inside its settle delay; arm the
	// acceptance byte for the read that follows it.
	pairChar := waitForPairWrites(t, adapter, 4)
	pairChar.mu.Lock()
	pairChar.readValue = []byte{0x07}
	pairChar.mu.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	conn := adapter.latestConnection()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.disconnected {
		t.Error("transport should be released after provisioning")
	}
}

func TestProvisionAlreadyMember(t *testing.T) {
	adapter := newMockAdapter()
	// Factory credentials are refused, the mesh credentials accepted.
	adapter.pairReplySeq[testMAC] = [][]byte{
		{packet.OpPairReject, 0, 0, 0, 0, 0, 0, 0, 0},
		{packet.OpPairConfirm, 1, 2, 3, 4, 5, 6, 7, 8},
	}
	m := newTestMesh(t, adapter, nil)

	if err := m.Provision(context.Background(), testMAC); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if got := len(adapter.connectAttempts()); got != 2 {
		t.Errorf("connect attempts = %d, want a factory probe then a membership probe", got)
	}
}

func TestProvisionForeignDevice(t *testing.T) {
	adapter := newMockAdapter()
	adapter.pairReply[testMAC] = []byte{packet.OpPairReject, 0, 0, 0, 0, 0, 0, 0, 0}
	m := newTestMesh(t, adapter, nil)

	if err := m.Provision(context.Background(), testMAC); err == nil {
		t.Fatal("Provision() should fail for a device on a different mesh")
	}
}

// waitForPairWrites blocks until the pair characteristic of the latest
// connection has recorded n writes.
func waitForPairWrites(t *testing.T, adapter *mockAdapter, n int) *mockCharacteristic {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if conn := adapter.latestConnection(); conn != nil {
			conn.mu.Lock()
			char, ok := conn.chars[PairCharUUID]
			conn.mu.Unlock()
			if ok && len(char.recordedWrites()) >= n {
				return char
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("pair characteristic writes did not appear in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
