package mesh

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"awoxmesh/internal/mesh/packet"
)

// stubScanner serves canned scan results and counts invocations.
type stubScanner struct {
	results []Device
	err     error
	calls   int
}

func (s *stubScanner) ScanCandidates(_ context.Context) ([]Device, error) {
	s.calls++
	return s.results, s.err
}

func newTestMesh(t *testing.T, adapter Adapter, scanner CandidateScanner) *Mesh {
	t.Helper()
	m, err := New(adapter, scanner, "Test", "Test", "", DefaultOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

// addDevice inserts a directory entry directly, bypassing the
// registration-time status request so tests stay deterministic.
func addDevice(m *Mesh, meshID uint16, mac string, rssi int, cb func(*packet.Status)) *deviceRecord {
	rec := &deviceRecord{meshID: meshID, mac: mac, rssi: rssi, callback: cb}
	m.mu.Lock()
	if _, exists := m.devices[meshID]; !exists {
		m.order = append(m.order, meshID)
	}
	m.devices[meshID] = rec
	m.mu.Unlock()
	return rec
}

func meshSessionKey(t *testing.T, m *Mesh) []byte {
	t.Helper()
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		t.Fatal("no active session")
	}
	return sessionKeyOf(sess)
}

func TestNewValidatesCredentials(t *testing.T) {
	adapter := newMockAdapter()
	cases := []struct {
		name, password, key string
	}{
		{"", "pass", ""},
		{"12345678901234567", "pass", ""},
		{"name", "", ""},
		{"name", "12345678901234567", ""},
		{"name", "pass", "12345678901234567"},
	}
	for _, tc := range cases {
		if _, err := New(adapter, nil, tc.name, tc.password, tc.key, Options{}); err == nil {
			t.Errorf("New(%q, %q, %q) should fail", tc.name, tc.password, tc.key)
		}
	}
}

func TestNewFillsDefaultOptions(t *testing.T) {
	m, err := New(newMockAdapter(), nil, "Test", "Test", "", Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if m.opts != DefaultOptions() {
		t.Errorf("filled options = %+v, want defaults", m.opts)
	}
}

func TestRankedCandidates(t *testing.T) {
	m := newTestMesh(t, newMockAdapter(), &stubScanner{})
	addDevice(m, 1, "A4:C1:38:00:00:01", -80, nil)
	addDevice(m, 2, "A4:C1:38:00:00:02", -40, nil)
	addDevice(m, 3, "A4:C1:38:00:00:03", -40, nil)
	// id 4 has no address, 5 is below the floor, 6 was never scanned.
	addDevice(m, 4, "", -10, nil)
	addDevice(m, 5, "A4:C1:38:00:00:05", -120, nil)
	addDevice(m, 6, "A4:C1:38:00:00:06", RSSIUnknown, nil)

	got := m.rankedCandidates()
	want := []uint16{2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want mesh ids %v", got, want)
	}
	for i, id := range want {
		if got[i].meshID != id {
			t.Errorf("candidate[%d] = mesh id %d, want %d", i, got[i].meshID, id)
		}
	}
}

func TestRankedCandidatesWithoutScanner(t *testing.T) {
	m := newTestMesh(t, newMockAdapter(), nil)
	addDevice(m, 1, "A4:C1:38:00:00:01", RSSIUnknown, nil)
	addDevice(m, 2, "A4:C1:38:00:00:02", RSSIUnknown, nil)

	got := m.rankedCandidates()
	if len(got) != 2 || got[0].meshID != 1 || got[1].meshID != 2 {
		t.Errorf("candidates = %v, want registration order 1, 2", got)
	}
}

func TestEnsureConnectedPrefersStrongest(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectErr["A4:C1:38:00:00:02"] = errTransport

	m := newTestMesh(t, adapter, &stubScanner{})
	addDevice(m, 1, "A4:C1:38:00:00:01", -90, nil)
	addDevice(m, 2, "A4:C1:38:00:00:02", -40, nil)
	addDevice(m, 3, "A4:C1:38:00:00:03", RSSIUnknown, nil)

	sess, err := m.ensureConnected()
	if err != nil {
		t.Fatalf("ensureConnected() error = %v", err)
	}
	if sess.MAC() != "A4:C1:38:00:00:01" {
		t.Errorf("gateway = %s, want the fallback candidate", sess.MAC())
	}
	attempts := adapter.connectAttempts()
	if len(attempts) != 2 || attempts[0] != "A4:C1:38:00:00:02" || attempts[1] != "A4:C1:38:00:00:01" {
		t.Errorf("connect attempts = %v, want strongest first and no below-floor attempt", attempts)
	}
	if !m.Connected() {
		t.Error("scheduler should report a connected gateway")
	}
}

func TestEnsureConnectedReusesSession(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)
	addDevice(m, 1, testMAC, RSSIUnknown, nil)

	first, err := m.ensureConnected()
	if err != nil {
		t.Fatalf("ensureConnected() error = %v", err)
	}
	second, err := m.ensureConnected()
	if err != nil {
		t.Fatalf("ensureConnected() error = %v", err)
	}
	if first != second {
		t.Error("an authenticated session should be reused")
	}
	if got := len(adapter.connectAttempts()); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
}

func TestEnsureConnectedNoCandidates(t *testing.T) {
	m := newTestMesh(t, newMockAdapter(), nil)
	if _, err := m.ensureConnected(); !errors.Is(err, ErrNoGateway) {
		t.Fatalf("ensureConnected() error = %v, want ErrNoGateway", err)
	}
}

func TestEnsureConnectedRefreshesSignalOnce(t *testing.T) {
	adapter := newMockAdapter()
	scanner := &stubScanner{results: []Device{{MAC: testMAC, RSSI: -50}}}
	m := newTestMesh(t, adapter, scanner)
	addDevice(m, 1, testMAC, -120, nil) // below floor until rescanned

	sess, err := m.ensureConnected()
	if err != nil {
		t.Fatalf("ensureConnected() error = %v", err)
	}
	if sess.MAC() != testMAC {
		t.Errorf("gateway = %s, want %s", sess.MAC(), testMAC)
	}
	if scanner.calls != 1 {
		t.Errorf("scan calls = %d, want exactly 1", scanner.calls)
	}
}

func TestProcessRetriesThenFails(t *testing.T) {
	adapter := newMockAdapter()
	adapter.failWrites = -1
	m := newTestMesh(t, adapter, nil)
	addDevice(m, 1, testMAC, RSSIUnknown, nil)

	c := &command{opcode: CmdPower, data: []byte{0x01}, dest: 1, withResponse: true, done: make(chan error, 1)}
	m.process(c)

	err := <-c.done
	if !errors.Is(err, errTransport) {
		t.Fatalf("command error = %v, want the transport failure", err)
	}
	if got := adapter.commandWriteAttempts(); got != 3 {
		t.Errorf("write attempts = %d, want 3", got)
	}
	adapter.mu.Lock()
	maxOpen := adapter.maxOpen
	adapter.mu.Unlock()
	if maxOpen != 1 {
		t.Errorf("max concurrent connections = %d, want 1", maxOpen)
	}
}

func TestProcessRecoversOnRetry(t *testing.T) {
	adapter := newMockAdapter()
	adapter.failWrites = 1
	m := newTestMesh(t, adapter, nil)
	addDevice(m, 1, testMAC, RSSIUnknown, nil)

	c := &command{opcode: CmdPower, data: []byte{0x01}, dest: 1, withResponse: true, done: make(chan error, 1)}
	m.process(c)

	if err := <-c.done; err != nil {
		t.Fatalf("command error = %v, want recovery on the second attempt", err)
	}
	if got := adapter.commandWriteAttempts(); got != 2 {
		t.Errorf("write attempts = %d, want 2", got)
	}
}

func TestProcessBestEffortTriesOnce(t *testing.T) {
	adapter := newMockAdapter()
	adapter.failWrites = -1
	m := newTestMesh(t, adapter, nil)
	addDevice(m, 1, testMAC, RSSIUnknown, nil)

	c := &command{opcode: CmdStatusRequest, dest: BroadcastMeshID, allowToFail: true, done: make(chan error, 1)}
	m.process(c)

	if err := <-c.done; err != nil {
		t.Fatalf("best-effort command error = %v, want nil", err)
	}
	if got := adapter.commandWriteAttempts(); got != 1 {
		t.Errorf("write attempts = %d, want 1", got)
	}
}

func TestWorkerPreservesSubmissionOrder(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)
	addDevice(m, 1, testMAC, RSSIUnknown, nil)

	dests := []uint16{11, 12, 13, 14}
	cmds := make([]*command, len(dests))
	for i, dest := range dests {
		cmds[i] = &command{opcode: CmdPower, data: []byte{0x01}, dest: dest, withResponse: true, done: make(chan error, 1)}
		m.queue <- cmds[i]
	}

	go m.worker()
	for _, c := range cmds {
		if err := <-c.done; err != nil {
			t.Fatalf("command to %d: %v", c.dest, err)
		}
	}
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.workerDone

	key := meshSessionKey(t, m)
	writes := adapter.commandWrites()
	if len(writes) != len(dests) {
		t.Fatalf("command writes = %d, want %d", len(writes), len(dests))
	}
	for i, pkt := range writes {
		dest, opcode, _ := decodeCommand(t, key, pkt)
		if dest != dests[i] || opcode != CmdPower {
			t.Errorf("write %d decoded to dest=%d opcode=0x%02x, want dest=%d", i, dest, opcode, dests[i])
		}
	}
}

func TestWorkerDrainsQueueOnStop(t *testing.T) {
	m := newTestMesh(t, newMockAdapter(), nil)
	c := &command{opcode: CmdPower, dest: 1, done: make(chan error, 1)}

	m.stopOnce.Do(func() { close(m.stop) })
	m.queue <- c
	m.worker()

	if err := <-c.done; !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("drained command error = %v, want ErrShuttingDown", err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	m.Shutdown()
	m.Shutdown() // idempotent

	// Both the stop and worker-done paths are valid refusals here.
	err := m.Send(CmdPower, []byte{0x01}, 1)
	if !errors.Is(err, ErrShuttingDown) && !errors.Is(err, ErrWorkerDown) {
		t.Fatalf("Send() after shutdown error = %v, want a shutdown sentinel", err)
	}
}

func TestHandleStatusStampsDirectory(t *testing.T) {
	m := newTestMesh(t, newMockAdapter(), nil)
	var got []*packet.Status
	rec := addDevice(m, 9, testMAC, RSSIUnknown, func(st *packet.Status) { got = append(got, st) })

	m.handleStatus(&packet.Status{MeshID: 9, On: true})
	m.handleStatus(&packet.Status{MeshID: 1234}) // unknown, dropped

	if len(got) != 1 || !got[0].On {
		t.Fatalf("callbacks = %v, want one", got)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.lastUpdate.IsZero() || rec.updateCount != 1 {
		t.Errorf("record not stamped: lastUpdate=%v updateCount=%d", rec.lastUpdate, rec.updateCount)
	}
}

func TestSweepStale(t *testing.T) {
	m := newTestMesh(t, newMockAdapter(), nil)
	now := time.Now()

	var staleEvents int
	stale := addDevice(m, 1, testMAC, RSSIUnknown, func(st *packet.Status) {
		if st != nil {
			t.Errorf("stale sweep delivered a frame: %+v", st)
		}
		staleEvents++
	})
	stale.lastUpdate = now.Add(-2 * time.Minute)
	stale.updateCount = 4
	stale.statusRequestCount = 2

	fresh := addDevice(m, 2, "A4:C1:38:00:00:02", RSSIUnknown, func(*packet.Status) {
		t.Error("fresh device must not be swept")
	})
	fresh.lastUpdate = now.Add(-10 * time.Second)

	unheard := addDevice(m, 3, "A4:C1:38:00:00:03", RSSIUnknown, func(*packet.Status) {
		t.Error("never-heard device must not be swept")
	})

	m.sweepStale(now)
	m.sweepStale(now) // second sweep stays quiet

	if staleEvents != 1 {
		t.Fatalf("stale events = %d, want exactly 1", staleEvents)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !stale.lastUpdate.IsZero() || stale.updateCount != 0 || stale.statusRequestCount != 0 {
		t.Errorf("stale record counters not reset: %+v", stale)
	}
	if fresh.lastUpdate.IsZero() {
		t.Error("fresh record was reset")
	}
	_ = unheard
}

func TestPollCycleBroadcastsThenRepolls(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)
	rec := addDevice(m, 5, testMAC, RSSIUnknown, nil)

	go m.worker()
	defer func() {
		m.stopOnce.Do(func() { close(m.stop) })
		<-m.workerDone
	}()

	if err := m.pollCycle(); err != nil {
		t.Fatalf("pollCycle() error = %v", err)
	}

	key := meshSessionKey(t, m)
	writes := adapter.commandWrites()
	if len(writes) != 2 {
		t.Fatalf("command writes = %d, want broadcast plus one directed re-poll", len(writes))
	}
	dest0, op0, _ := decodeCommand(t, key, writes[0])
	if dest0 != BroadcastMeshID || op0 != CmdStatusRequest {
		t.Errorf("first write dest=%d opcode=0x%02x, want broadcast status request", dest0, op0)
	}
	dest1, op1, _ := decodeCommand(t, key, writes[1])
	if dest1 != 5 || op1 != CmdStatusRequest {
		t.Errorf("second write dest=%d opcode=0x%02x, want directed status request", dest1, op1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.statusRequestCount != 1 {
		t.Errorf("statusRequestCount = %d, want 1", rec.statusRequestCount)
	}
	if m.failedPolls != 0 {
		t.Errorf("failedPolls = %d, want 0 while connected", m.failedPolls)
	}
}

func TestPollCycleSkipsFreshDevices(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)
	rec := addDevice(m, 5, testMAC, RSSIUnknown, nil)
	m.mu.Lock()
	rec.lastUpdate = time.Now()
	m.mu.Unlock()

	go m.worker()
	defer func() {
		m.stopOnce.Do(func() { close(m.stop) })
		<-m.workerDone
	}()

	if err := m.pollCycle(); err != nil {
		t.Fatalf("pollCycle() error = %v", err)
	}

	key := meshSessionKey(t, m)
	writes := adapter.commandWrites()
	if len(writes) != 1 {
		t.Fatalf("command writes = %d, want broadcast only", len(writes))
	}
	if dest, _, _ := decodeCommand(t, key, writes[0]); dest != BroadcastMeshID {
		t.Errorf("write dest = %d, want broadcast", dest)
	}
}

func TestPollCycleMarksAllUnavailable(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)

	var unavailable int
	rec := addDevice(m, 5, "", RSSIUnknown, func(st *packet.Status) {
		if st == nil {
			unavailable++
		}
	})
	m.mu.Lock()
	rec.lastUpdate = time.Now()
	m.mu.Unlock()

	go m.worker()
	defer func() {
		m.stopOnce.Do(func() { close(m.stop) })
		<-m.workerDone
	}()

	// Without an address there is no reachable gateway; two consecutive
	// cycles without one must fan out unavailable events.
	for i := 0; i < 2; i++ {
		m.mu.Lock()
		rec.lastUpdate = time.Now() // keep it out of the staleness sweep
		m.mu.Unlock()
		if err := m.pollCycle(); err != nil {
			t.Fatalf("pollCycle() %d error = %v", i, err)
		}
	}

	if unavailable != 1 {
		t.Fatalf("unavailable events = %d, want exactly 1", unavailable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !rec.lastUpdate.IsZero() {
		t.Error("record state not cleared")
	}
}

func TestPollCycleRecyclesOldSession(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)
	addDevice(m, 1, testMAC, RSSIUnknown, nil)

	go m.worker()
	defer func() {
		m.stopOnce.Do(func() { close(m.stop) })
		<-m.workerDone
	}()

	first, err := m.ensureConnected()
	if err != nil {
		t.Fatalf("ensureConnected() error = %v", err)
	}
	m.mu.Lock()
	m.lastConnection = time.Now().Add(-3 * time.Hour)
	m.mu.Unlock()

	if err := m.pollCycle(); err != nil {
		t.Fatalf("pollCycle() error = %v", err)
	}

	m.mu.Lock()
	second := m.session
	m.mu.Unlock()
	if second == nil || second == first {
		t.Error("over-aged session should be replaced by a fresh one")
	}
	if first.Authenticated() {
		t.Error("recycled session should no longer be authenticated")
	}
}

func TestRegisterDeviceRequestsStatus(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Shutdown()

	m.RegisterDevice(5, testMAC, "desk lamp", nil)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if writes := adapter.commandWrites(); len(writes) >= 1 {
			key := meshSessionKey(t, m)
			dest, opcode, _ := decodeCommand(t, key, writes[0])
			if dest != 5 || opcode != CmdStatusRequest {
				t.Errorf("write decoded to dest=%d opcode=0x%02x, want a status request to 5", dest, opcode)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no status request observed after registration")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegisterDevicePreservesLiveState(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)

	m.RegisterDevice(5, "A4:C1:38:00:00:01", "desk lamp", nil)

	seen := time.Now()
	m.mu.Lock()
	rec := m.devices[5]
	rec.rssi = -55
	rec.lastUpdate = seen
	rec.updateCount = 7
	rec.statusRequestCount = 2
	m.mu.Unlock()

	// Same address in a different case is still the same radio.
	var calls int
	m.RegisterDevice(5, "a4:c1:38:00:00:01", "desk lamp renamed", func(*packet.Status) { calls++ })

	m.mu.Lock()
	rec = m.devices[5]
	if rec.rssi != -55 {
		t.Errorf("rssi = %d after re-registration, want -55", rec.rssi)
	}
	if !rec.lastUpdate.Equal(seen) {
		t.Errorf("lastUpdate = %v after re-registration, want %v", rec.lastUpdate, seen)
	}
	if rec.updateCount != 7 || rec.statusRequestCount != 2 {
		t.Errorf("counters = (%d, %d) after re-registration, want (7, 2)", rec.updateCount, rec.statusRequestCount)
	}
	if rec.name != "desk lamp renamed" || rec.callback == nil {
		t.Errorf("name/callback not updated: name = %q", rec.name)
	}
	order := len(m.order)
	m.mu.Unlock()
	if order != 1 {
		t.Errorf("candidate order has %d entries, want 1", order)
	}

	// A new address invalidates the old signal reading but not freshness.
	m.RegisterDevice(5, "A4:C1:38:00:00:99", "desk lamp", nil)
	m.mu.Lock()
	if m.devices[5].rssi != RSSIUnknown {
		t.Errorf("rssi = %d after address change, want RSSIUnknown", m.devices[5].rssi)
	}
	if !m.devices[5].lastUpdate.Equal(seen) {
		t.Errorf("lastUpdate reset on address change")
	}
	m.mu.Unlock()
}

func TestCommandHelpers(t *testing.T) {
	adapter := newMockAdapter()
	m := newTestMesh(t, adapter, nil)
	addDevice(m, 3, testMAC, RSSIUnknown, nil)

	go m.worker()
	defer func() {
		m.stopOnce.Do(func() { close(m.stop) })
		<-m.workerDone
	}()

	cases := []struct {
		name   string
		call   func() error
		opcode byte
		data   []byte
	}{
		{"On", func() error { return m.On(3) }, CmdPower, []byte{0x01}},
		{"Off", func() error { return m.Off(3) }, CmdPower, []byte{0x00}},
		{"SetColor", func() error { return m.SetColor(3, 10, 20, 30) }, CmdColor, []byte{0x04, 10, 20, 30}},
		{"SetColorBrightness", func() error { return m.SetColorBrightness(3, 0x32) }, CmdColorBrightness, []byte{0x32}},
		{"SetWhiteTemperature", func() error { return m.SetWhiteTemperature(3, 0x40) }, CmdWhiteTemperature, []byte{0x40}},
		{"SetWhiteBrightness", func() error { return m.SetWhiteBrightness(3, 0x60) }, CmdWhiteBrightness, []byte{0x60}},
		{"SetPreset", func() error { return m.SetPreset(3, 2) }, CmdPreset, []byte{2}},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); err != nil {
				t.Fatalf("%s error = %v", tc.name, err)
			}
			writes := adapter.commandWrites()
			if len(writes) != i+1 {
				t.Fatalf("command writes = %d, want %d", len(writes), i+1)
			}
			dest, opcode, data := decodeCommand(t, meshSessionKey(t, m), writes[i])
			if dest != 3 || opcode != tc.opcode {
				t.Errorf("decoded dest=%d opcode=0x%02x, want 3/0x%02x", dest, opcode, tc.opcode)
			}
			if !bytes.Equal(data[:len(tc.data)], tc.data) {
				t.Errorf("decoded data = %x, want prefix %x", data, tc.data)
			}
		})
	}
}
