package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"awoxmesh/internal/mesh/packet"
)

// RSSIUnknown marks a device whose signal strength has never been
// observed. It sits far below any reachability floor.
const RSSIUnknown = -999999

// Options tunes the scheduler. The windows and retry count vary between
// historical firmware generations, so they are configuration, not
// constants.
type Options struct {
	ConnectTimeout  time.Duration // per-candidate connect bound
	PollInterval    time.Duration // status poll cycle period
	FreshnessWindow time.Duration // silence before a directed re-poll
	StalenessWindow time.Duration // silence before an unavailable event
	ScanInterval    time.Duration // minimum time between RSSI scans
	ScanTimeout     time.Duration // bound on one RSSI scan
	SessionMaxAge   time.Duration // force a reconnect past this age
	CommandAttempts int           // tries per non-best-effort command
	QueueSize       int           // command queue depth
	RSSIFloor       int           // candidates below this are unreachable
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  10 * time.Second,
		PollInterval:    30 * time.Second,
		FreshnessWindow: 60 * time.Second,
		StalenessWindow: 90 * time.Second,
		ScanInterval:    24 * time.Hour,
		ScanTimeout:     30 * time.Second,
		SessionMaxAge:   2 * time.Hour,
		CommandAttempts: 3,
		QueueSize:       64,
		RSSIFloor:       -100,
	}
}

func (o *Options) fillDefaults() {
	def := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = def.FreshnessWindow
	}
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = def.StalenessWindow
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = def.ScanInterval
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = def.ScanTimeout
	}
	if o.SessionMaxAge <= 0 {
		o.SessionMaxAge = def.SessionMaxAge
	}
	if o.CommandAttempts <= 0 {
		o.CommandAttempts = def.CommandAttempts
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.RSSIFloor == 0 {
		o.RSSIFloor = def.RSSIFloor
	}
}

// deviceRecord is one directory entry. The directory is mutated only
// under the Mesh mutex; status callbacks run outside it so readers can
// never block the scheduler.
type deviceRecord struct {
	meshID             uint16
	mac                string
	name               string
	rssi               int
	lastUpdate         time.Time // zero = never heard from
	updateCount        int
	statusRequestCount int
	callback           func(*packet.Status)
}

// command is one queue entry. done is buffered so the worker never blocks
// on a submitter that has gone away.
type command struct {
	opcode       byte
	data         []byte
	dest         uint16
	withResponse bool
	allowToFail  bool
	done         chan error
}

// Mesh is the mesh-level scheduler: it owns the directory of known
// devices, holds at most one authenticated Session to a gateway, and
// serializes every outbound command through a single worker goroutine.
// The queue is the lock on the transport, which only supports one
// connection at a time.
type Mesh struct {
	adapter     Adapter
	scanner     CandidateScanner
	name        string
	password    string
	longTermKey string
	opts        Options

	mu             sync.Mutex
	devices        map[uint16]*deviceRecord
	order          []uint16 // registration order, ranking tie-break
	session        *Session
	lastScan       time.Time
	lastConnection time.Time
	scanning       bool
	failedPolls    int
	started        bool

	queue      chan *command
	stop       chan struct{}
	stopOnce   sync.Once
	workerDone chan struct{}
	pollDone   chan struct{}
}

// New creates a scheduler for one configured mesh network. scanner may be
// nil when no RSSI source is available; devices with unknown signal
// strength are then tried in registration order.
func New(adapter Adapter, scanner CandidateScanner, meshName, meshPassword, longTermKey string, opts Options) (*Mesh, error) {
	if len(meshName) == 0 || len(meshName) > 16 {
		return nil, fmt.Errorf("mesh: mesh name must be 1 to 16 bytes, got %d", len(meshName))
	}
	if len(meshPassword) == 0 || len(meshPassword) > 16 {
		return nil, fmt.Errorf("mesh: mesh password must be 1 to 16 bytes, got %d", len(meshPassword))
	}
	if len(longTermKey) > 16 {
		return nil, fmt.Errorf("mesh: long term key must be at most 16 bytes, got %d", len(longTermKey))
	}
	opts.fillDefaults()
	return &Mesh{
		adapter:     adapter,
		scanner:     scanner,
		name:        meshName,
		password:    meshPassword,
		longTermKey: longTermKey,
		opts:        opts,
		devices:     make(map[uint16]*deviceRecord),
		queue:       make(chan *command, opts.QueueSize),
		stop:        make(chan struct{}),
		workerDone:  make(chan struct{}),
		pollDone:    make(chan struct{}),
	}, nil
}

// Start enables the adapter and launches the command worker and the poll
// loop.
func (m *Mesh) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("mesh: already started")
	}
	m.mu.Unlock()

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("mesh: enable adapter: %w", err)
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	go m.worker()
	go m.pollLoop()
	slog.Info("[mesh] started", "poll_interval", m.opts.PollInterval)
	return nil
}

// RegisterDevice adds or updates a directory entry. callback receives
// every decoded status frame for this mesh id; a nil frame means the
// device has gone unavailable. Re-registering a known mesh id keeps its
// signal strength and freshness state; registration fires one best-effort
// status request so the host gets state soon after startup.
func (m *Mesh) RegisterDevice(meshID uint16, mac, name string, callback func(*packet.Status)) {
	m.mu.Lock()
	rec, exists := m.devices[meshID]
	if !exists {
		rec = &deviceRecord{meshID: meshID, rssi: RSSIUnknown}
		m.devices[meshID] = rec
		m.order = append(m.order, meshID)
	} else if !strings.EqualFold(rec.mac, mac) {
		// A different address is a different radio; its old signal
		// reading does not apply.
		rec.rssi = RSSIUnknown
	}
	rec.mac = mac
	rec.name = name
	rec.callback = callback
	m.mu.Unlock()
	slog.Info("[mesh] registered device", "mesh_id", meshID, "mac", mac, "name", name)

	go func() { _ = m.RequestStatus(meshID) }()
}

// Send queues one command for meshID and blocks until the worker reports
// the outcome. Commands from concurrent callers are processed strictly in
// submission order.
func (m *Mesh) Send(opcode byte, data []byte, dest uint16) error {
	return m.submit(&command{
		opcode:       opcode,
		data:         data,
		dest:         dest,
		withResponse: true,
	})
}

// Connected reports whether an authenticated gateway session exists.
func (m *Mesh) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.Authenticated()
}

// Shutdown stops the poll loop, drains the command queue, disconnects the
// gateway and waits for both goroutines to exit. Safe to call twice.
func (m *Mesh) Shutdown() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	if started {
		<-m.workerDone
		<-m.pollDone
	}

	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.mu.Unlock()
	if sess != nil {
		sess.Disconnect()
	}
	slog.Info("[mesh] shut down")
}

func (m *Mesh) submit(c *command) error {
	c.done = make(chan error, 1)
	select {
	case <-m.stop:
		return ErrShuttingDown
	case <-m.workerDone:
		return ErrWorkerDown
	case m.queue <- c:
	}

	select {
	case err := <-c.done:
		return err
	case <-m.workerDone:
		// The worker may have answered just before exiting.
		select {
		case err := <-c.done:
			return err
		default:
			return ErrWorkerDown
		}
	}
}

// worker is the single consumer of the command queue and the only
// goroutine allowed to call Session methods. On stop it drains whatever
// is still queued.
func (m *Mesh) worker() {
	defer close(m.workerDone)
	for {
		select {
		case <-m.stop:
			for {
				select {
				case c := <-m.queue:
					c.done <- ErrShuttingDown
				default:
					return
				}
			}
		case c := <-m.queue:
			m.process(c)
		}
	}
}

// process runs one command to completion: bounded retries with a fresh
// gateway acquisition per attempt. Best-effort commands are tried once
// and their failure never reaches the submitter.
func (m *Mesh) process(c *command) {
	attempts := m.opts.CommandAttempts
	if c.allowToFail {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-m.stop:
			c.done <- ErrShuttingDown
			return
		default:
		}

		sess, err := m.ensureConnected()
		if err != nil {
			// Every candidate failed; retrying synchronously will not
			// produce a gateway either.
			lastErr = err
			break
		}

		if err := sess.Send(c.opcode, c.data, c.dest, c.withResponse); err != nil {
			lastErr = err
			slog.Warn("[mesh] command failed",
				"opcode", fmt.Sprintf("0x%02x", c.opcode), "dest", c.dest,
				"attempt", attempt, "error", err)
			m.dropSession(sess)
			continue
		}
		c.done <- nil
		return
	}

	if c.allowToFail {
		slog.Debug("[mesh] best-effort command not delivered", "dest", c.dest, "error", lastErr)
		c.done <- nil
		return
	}
	c.done <- fmt.Errorf("mesh: command 0x%02x to %d failed after %d attempts: %w",
		c.opcode, c.dest, attempts, lastErr)
}

// candidate is a ranked gateway option.
type candidate struct {
	meshID uint16
	mac    string
	rssi   int
}

// rankedCandidates returns directory entries eligible as a gateway,
// strongest signal first. Ties keep registration order. With no scanner
// configured, devices that were never scanned stay eligible.
func (m *Mesh) rankedCandidates() []candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []candidate
	for _, id := range m.order {
		rec := m.devices[id]
		if rec.mac == "" {
			continue
		}
		if rec.rssi <= m.opts.RSSIFloor && !(rec.rssi == RSSIUnknown && m.scanner == nil) {
			continue
		}
		out = append(out, candidate{meshID: rec.meshID, mac: rec.mac, rssi: rec.rssi})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].rssi > out[j].rssi })
	return out
}

// ensureConnected returns the authenticated gateway session, acquiring
// one if needed. Candidates are tried strongest-first; a rejection or
// timeout skips to the next. If the whole list fails, the signal strength
// cache is refreshed once and the list retried before giving up.
func (m *Mesh) ensureConnected() (*Session, error) {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess != nil {
		if sess.Authenticated() {
			return sess, nil
		}
		m.dropSession(sess)
	}

	for round := 0; round < 2; round++ {
		if round > 0 {
			m.refreshRSSI()
		}
		for _, cand := range m.rankedCandidates() {
			sess, err := NewSession(m.adapter, cand.mac, cand.meshID, m.name, m.password, m.handleStatus)
			if err != nil {
				slog.Warn("[mesh] skipping invalid candidate", "mac", cand.mac, "error", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
			err = sess.Connect(ctx)
			cancel()
			if err != nil {
				slog.Warn("[mesh] connect failed, trying next candidate",
					"mac", cand.mac, "rssi", cand.rssi, "error", err)
				continue
			}

			m.mu.Lock()
			m.session = sess
			m.lastConnection = time.Now()
			m.mu.Unlock()
			slog.Info("[mesh] gateway connected", "mac", cand.mac, "mesh_id", cand.meshID, "rssi", cand.rssi)
			return sess, nil
		}
	}
	return nil, ErrNoGateway
}

// dropSession disconnects sess and clears it as the active gateway.
func (m *Mesh) dropSession(sess *Session) {
	sess.Disconnect()
	m.mu.Lock()
	if m.session == sess {
		m.session = nil
	}
	m.mu.Unlock()
}

// refreshRSSI scans for devices and folds fresh signal readings into the
// directory. Best-effort; a failed scan keeps the previous readings. The
// scanning flag keeps overlapping cycles from launching concurrent scans.
func (m *Mesh) refreshRSSI() {
	m.mu.Lock()
	if m.scanner == nil || m.scanning {
		m.mu.Unlock()
		return
	}
	m.scanning = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.scanning = false
		m.lastScan = time.Now()
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ScanTimeout)
	defer cancel()
	found, err := m.scanner.ScanCandidates(ctx)
	if err != nil {
		slog.Warn("[mesh] signal strength scan failed", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dev := range found {
		for _, rec := range m.devices {
			if strings.EqualFold(rec.mac, dev.MAC) {
				rec.rssi = dev.RSSI
			}
		}
	}
	slog.Debug("[mesh] signal strength refreshed", "devices_seen", len(found))
}

// handleStatus is the status callback handed to every Session. It stamps
// the directory and forwards the frame to the device's registered
// callback outside the lock.
func (m *Mesh) handleStatus(st *packet.Status) {
	m.mu.Lock()
	rec, ok := m.devices[st.MeshID]
	if !ok {
		m.mu.Unlock()
		slog.Info("[mesh] status from unknown device", "mesh_id", st.MeshID)
		return
	}
	rec.lastUpdate = time.Now()
	rec.updateCount++
	cb := rec.callback
	m.mu.Unlock()

	if cb != nil {
		cb(st)
	}
}

func (m *Mesh) pollLoop() {
	defer close(m.pollDone)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.pollCycle(); err != nil {
				slog.Error("[mesh] poll cycle failed", "error", err)
			}
		}
	}
}

// pollCycle keeps the directory fresh: recycle an over-aged session,
// refresh signal strength when due, broadcast a status request, re-poll
// quiet devices, and sweep devices that have gone silent.
func (m *Mesh) pollCycle() error {
	select {
	case <-m.workerDone:
		return ErrWorkerDown
	default:
	}

	// Long-lived links go stale at the transport level; recycle early.
	m.mu.Lock()
	sess := m.session
	age := time.Since(m.lastConnection)
	m.mu.Unlock()
	if sess != nil && sess.Authenticated() && age > m.opts.SessionMaxAge {
		slog.Info("[mesh] recycling long-lived session", "mac", sess.MAC(), "age", age.Round(time.Second))
		m.dropSession(sess)
	}

	m.mu.Lock()
	scanDue := time.Since(m.lastScan) > m.opts.ScanInterval
	m.mu.Unlock()
	if scanDue {
		m.refreshRSSI()
	}

	if err := m.RequestStatus(BroadcastMeshID); err != nil {
		return err
	}

	// Directed re-polls for devices we have not heard from lately.
	now := time.Now()
	m.mu.Lock()
	var quiet []uint16
	for _, id := range m.order {
		rec := m.devices[id]
		if rec.lastUpdate.IsZero() || now.Sub(rec.lastUpdate) > m.opts.FreshnessWindow {
			rec.statusRequestCount++
			quiet = append(quiet, id)
		}
	}
	m.mu.Unlock()
	for _, id := range quiet {
		if err := m.RequestStatus(id); err != nil {
			return err
		}
	}

	m.sweepStale(now)

	m.mu.Lock()
	if m.session != nil && m.session.Authenticated() {
		m.failedPolls = 0
	} else {
		m.failedPolls++
	}
	sweepAll := m.failedPolls >= 2
	m.mu.Unlock()
	if sweepAll {
		slog.Warn("[mesh] no gateway for consecutive poll cycles, marking all devices unavailable")
		m.markAllUnavailable()
	}
	return nil
}

// sweepStale synthesizes one unavailable event per device that has been
// silent past the staleness window, and resets its counters so the next
// sweep stays quiet until the device reports again.
func (m *Mesh) sweepStale(now time.Time) {
	type sweep struct {
		meshID uint16
		cb     func(*packet.Status)
	}
	var swept []sweep

	m.mu.Lock()
	for _, rec := range m.devices {
		if rec.lastUpdate.IsZero() || now.Sub(rec.lastUpdate) <= m.opts.StalenessWindow {
			continue
		}
		rec.lastUpdate = time.Time{}
		rec.updateCount = 0
		rec.statusRequestCount = 0
		swept = append(swept, sweep{rec.meshID, rec.callback})
	}
	m.mu.Unlock()

	for _, s := range swept {
		slog.Info("[mesh] device went stale", "mesh_id", s.meshID)
		if s.cb != nil {
			s.cb(nil)
		}
	}
}

// markAllUnavailable delivers an unavailable event for every device we
// still believe has state, without waiting for per-device staleness.
func (m *Mesh) markAllUnavailable() {
	var callbacks []func(*packet.Status)

	m.mu.Lock()
	for _, rec := range m.devices {
		if rec.lastUpdate.IsZero() {
			continue
		}
		rec.lastUpdate = time.Time{}
		rec.updateCount = 0
		rec.statusRequestCount = 0
		if rec.callback != nil {
			callbacks = append(callbacks, rec.callback)
		}
	}
	m.mu.Unlock()

	for _, cb := range callbacks {
		cb(nil)
	}
}
