package mesh

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"awoxmesh/internal/mesh/packet"
)

// Session owns one physical BLE link to one mesh member and the session
// key negotiated over it. It pairs, sends encrypted commands, and decodes
// incoming notifications into status frames for the callback registered
// at construction.
//
// A session is authenticated exactly while the transport is up and
// pairing succeeded; any transport error clears the key immediately.
// There is no reconnect logic here: the scheduler recovers by building a
// fresh session from scratch.
type Session struct {
	adapter  Adapter
	macStr   string
	mac      net.HardwareAddr
	meshID   uint16
	name     []byte
	password []byte
	onStatus func(*packet.Status)

	mu          sync.Mutex
	conn        Connection
	commandChar Characteristic
	pairChar    Characteristic
	sessionKey  []byte
}

// NewSession prepares a session for the device at mac, which answers as
// mesh id 0 for meshID. onStatus receives every decoded status frame,
// regardless of which mesh id it concerns; filtering is the caller's job.
func NewSession(adapter Adapter, mac string, meshID uint16, meshName, meshPassword string, onStatus func(*packet.Status)) (*Session, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("mesh: parse mac %q: %w", mac, err)
	}
	if onStatus == nil {
		onStatus = func(*packet.Status) {}
	}
	return &Session{
		adapter:  adapter,
		macStr:   mac,
		mac:      hw,
		meshID:   meshID,
		name:     []byte(meshName),
		password: []byte(meshPassword),
		onStatus: onStatus,
	}, nil
}

// MAC returns the device address this session talks to.
func (s *Session) MAC() string { return s.macStr }

// MeshID returns the mesh id of the physical device behind this session.
func (s *Session) MeshID() uint16 { return s.meshID }

// Authenticated reports whether the session holds a valid key.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey != nil
}

// Connect opens the transport and runs the pairing handshake: write the
// pair request, enable status notifications, then read the reply from the
// pair characteristic. 0x0D confirms and carries the device's response
// random; 0x0E means the mesh credentials were refused.
//
// The ctx deadline bounds the whole attempt, handshake included: a device
// that accepts the link but never answers the pairing read must not hang
// the caller.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.adapter.Connect(ctx, s.macStr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, s.macStr)
		}
		return fmt.Errorf("mesh: connect to %s: %w", s.macStr, err)
	}

	// The characteristic operations have no deadline of their own, so
	// the handshake runs aside and the result is committed only here.
	// On expiry the transport is torn down, which also unblocks a
	// handshake stuck on a dead characteristic.
	ch := make(chan handshakeResult, 1)
	go func() { ch <- s.handshake(conn) }()

	select {
	case <-ctx.Done():
		conn.Disconnect()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrConnectTimeout, s.macStr)
		}
		return fmt.Errorf("mesh: connect to %s: %w", s.macStr, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			conn.Disconnect()
			return res.err
		}
		s.mu.Lock()
		s.conn = conn
		s.pairChar = res.pairChar
		s.sessionKey = res.key
		s.mu.Unlock()
		conn.OnDisconnect(s.transportLost)
		slog.Info("[session] authenticated", "mac", s.macStr, "mesh_id", s.meshID)
		return nil
	}
}

type handshakeResult struct {
	pairChar Characteristic
	key      []byte
	err      error
}

// handshake runs the pairing exchange over an open transport. It does not
// touch session state; Connect commits the result, so an abandoned
// handshake cannot authenticate a session that already timed out.
func (s *Session) handshake(conn Connection) handshakeResult {
	fail := func(err error) handshakeResult { return handshakeResult{err: err} }

	pairChar, err := conn.DiscoverCharacteristic(MeshServiceUUID, PairCharUUID)
	if err != nil {
		return fail(fmt.Errorf("mesh: discover pair characteristic: %w", err))
	}

	sessionRandom := make([]byte, packet.SessionRandomSize)
	if _, err := rand.Read(sessionRandom); err != nil {
		return fail(fmt.Errorf("mesh: session random: %w", err))
	}
	pairRequest, err := packet.BuildPairRequest(s.name, s.password, sessionRandom)
	if err != nil {
		return fail(err)
	}
	if err := pairChar.Write(pairRequest, false); err != nil {
		return fail(fmt.Errorf("mesh: write pair request: %w", err))
	}

	// Writing 0x01 to the status characteristic switches on mesh
	// notifications for this link.
	statusChar, err := conn.DiscoverCharacteristic(MeshServiceUUID, StatusCharUUID)
	if err != nil {
		return fail(fmt.Errorf("mesh: discover status characteristic: %w", err))
	}
	if err := statusChar.Write([]byte{0x01}, false); err != nil {
		return fail(fmt.Errorf("mesh: enable notifications: %w", err))
	}
	if err := statusChar.Subscribe(s.handleNotification); err != nil {
		return fail(fmt.Errorf("mesh: subscribe notifications: %w", err))
	}

	reply, err := pairChar.Read()
	if err != nil {
		return fail(fmt.Errorf("mesh: read pair reply: %w", err))
	}
	if len(reply) < 1+packet.SessionRandomSize {
		return fail(fmt.Errorf("mesh: short pair reply (%d bytes)", len(reply)))
	}

	switch reply[0] {
	case packet.OpPairConfirm:
		key, err := packet.SessionKey(s.name, s.password, sessionRandom, reply[1:1+packet.SessionRandomSize])
		if err != nil {
			return fail(err)
		}
		return handshakeResult{pairChar: pairChar, key: key}

	case packet.OpPairReject:
		return fail(ErrPairingRejected)

	default:
		return fail(fmt.Errorf("mesh: unexpected pair reply 0x%02x", reply[0]))
	}
}

// Send encrypts and writes one command. Any write error clears the
// session key before returning, so Authenticated reflects reality by the
// caller's next check.
func (s *Session) Send(opcode byte, data []byte, dest uint16, withResponse bool) error {
	s.mu.Lock()
	key := s.sessionKey
	char := s.commandChar
	conn := s.conn
	s.mu.Unlock()

	if key == nil {
		return ErrNotAuthenticated
	}

	if char == nil {
		var err error
		char, err = conn.DiscoverCharacteristic(MeshServiceUUID, CommandCharUUID)
		if err != nil {
			s.clearKey()
			return fmt.Errorf("mesh: discover command characteristic: %w", err)
		}
		s.mu.Lock()
		s.commandChar = char
		s.mu.Unlock()
	}

	pkt, err := packet.BuildCommand(key, s.mac, dest, opcode, data)
	if err != nil {
		return err
	}
	slog.Debug("[session] writing command", "mac", s.macStr, "dest", dest, "opcode", fmt.Sprintf("0x%02x", opcode))
	if err := char.Write(pkt, withResponse); err != nil {
		s.clearKey()
		return fmt.Errorf("mesh: write command 0x%02x to %d: %w", opcode, dest, err)
	}
	return nil
}

// SetMeshCredentials re-provisions the device with a new mesh name,
// password and long-term key, each encrypted under the current session
// key. The device applies them on its next power cycle; the reply byte
// 0x07 acknowledges acceptance.
func (s *Session) SetMeshCredentials(name, password, longTermKey string) error {
	s.mu.Lock()
	key := s.sessionKey
	pairChar := s.pairChar
	s.mu.Unlock()

	if key == nil {
		return ErrNotAuthenticated
	}

	frames := []struct {
		prefix byte
		value  string
	}{
		{0x04, name},
		{0x05, password},
		{0x06, longTermKey},
	}
	for _, f := range frames {
		if len(f.value) > 16 {
			return fmt.Errorf("mesh: credential %q longer than 16 bytes", f.value)
		}
		enc, err := packet.Encrypt(key, []byte(f.value))
		if err != nil {
			return err
		}
		if err := pairChar.Write(append([]byte{f.prefix}, enc...), false); err != nil {
			s.clearKey()
			return fmt.Errorf("mesh: write credential frame 0x%02x: %w", f.prefix, err)
		}
	}

	// The device needs a moment before the reply is readable.
	time.Sleep(time.Second)

	reply, err := pairChar.Read()
	if err != nil {
		s.clearKey()
		return fmt.Errorf("mesh: read provisioning reply: %w", err)
	}
	if len(reply) < 1 || reply[0] != 0x07 {
		return fmt.Errorf("mesh: provisioning rejected, reply %x", reply)
	}
	return nil
}

// Disconnect clears the session key and releases the transport. It is
// idempotent and never fails; it runs on error-recovery paths.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.sessionKey = nil
	conn := s.conn
	s.conn = nil
	s.commandChar = nil
	s.pairChar = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[session] disconnect failed", "mac", s.macStr, "error", err)
		}
	}
}

func (s *Session) clearKey() {
	s.mu.Lock()
	s.sessionKey = nil
	s.mu.Unlock()
}

// transportLost runs when the adapter reports the link dropped.
func (s *Session) transportLost() {
	slog.Warn("[session] transport lost", "mac", s.macStr)
	s.clearKey()
}

// handleNotification decodes one inbound characteristic notification.
// Decode failures drop the frame; they never propagate.
func (s *Session) handleNotification(data []byte) {
	s.mu.Lock()
	key := s.sessionKey
	s.mu.Unlock()
	if key == nil {
		slog.Debug("[session] notification without session key, ignoring", "mac", s.macStr)
		return
	}

	decoded, err := packet.Decrypt(key, s.mac, data)
	if err != nil {
		slog.Warn("[session] failed to decrypt notification", "mac", s.macStr, "error", err)
		return
	}
	st, err := packet.ParseStatus(decoded)
	if err != nil {
		slog.Debug("[session] notification is not a status frame", "mac", s.macStr, "error", err)
		return
	}
	s.onStatus(st)
}
