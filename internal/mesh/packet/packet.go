// Package packet implements the Telink/AwoX mesh wire codec: the
// reversed-byte AES-ECB block permutation, session key derivation, the
// pairing request, command packet framing with its CBC-MAC-style checksum
// and CTR-style payload cipher, and status frame parsing.
//
// The crypto here is a fixed proprietary format shared with device
// firmware. The byte-reversal conventions and the hand-rolled checksum and
// keystream must stay bit-for-bit as they are; they are not replaceable
// with a standard AEAD.
package packet

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

const (
	// PacketSize is the fixed length of every command and status frame.
	PacketSize = 20

	// payloadSize is the plaintext payload length of a command packet.
	payloadSize = 15

	// MaxCommandData is the longest data a single command can carry:
	// the 15-byte payload minus destination(2), opcode(1) and the
	// constant 0x60 0x01 vendor bytes.
	MaxCommandData = payloadSize - 5

	// SessionRandomSize is the length of the random nonce each side
	// contributes during pairing.
	SessionRandomSize = 8

	keySize   = 16
	blockSize = 16
)

// Pairing reply opcodes, first byte of the pair characteristic value.
const (
	OpPairRequest = 0x0C
	OpPairConfirm = 0x0D
	OpPairReject  = 0x0E
)

var (
	// ErrChecksum is returned when a frame's checksum does not match the
	// decrypted payload. The frame is dropped, never a fault.
	ErrChecksum = errors.New("mesh/packet: checksum mismatch")

	// ErrTruncated is returned for frames too short to carry a header.
	ErrTruncated = errors.New("mesh/packet: truncated frame")

	// ErrUnknownOpcode is returned by ParseStatus for frames that are not
	// status responses or notifications.
	ErrUnknownOpcode = errors.New("mesh/packet: unknown status opcode")
)

// reverse returns a reversed copy of b.
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// pad16 returns b zero-padded to 16 bytes.
func pad16(b []byte) []byte {
	out := make([]byte, blockSize)
	copy(out, b)
	return out
}

// Encrypt applies the mesh block permutation: AES-128-ECB over a single
// block with the key bytes reversed, the zero-padded value bytes reversed,
// and the ciphertext reversed again. Every other primitive in the codec is
// built on this exact convention.
func Encrypt(key, value []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("mesh/packet: key must be %d bytes, got %d", keySize, len(key))
	}
	if len(value) > blockSize {
		return nil, fmt.Errorf("mesh/packet: value must be at most %d bytes, got %d", blockSize, len(value))
	}
	block, err := aes.NewCipher(reverse(key))
	if err != nil {
		return nil, fmt.Errorf("mesh/packet: new cipher: %w", err)
	}
	out := make([]byte, blockSize)
	block.Encrypt(out, reverse(pad16(value)))
	return reverse(out), nil
}

// nameKey XORs the mesh name and password, each zero-padded to 16 bytes.
func nameKey(name, password []byte) ([]byte, error) {
	if len(name) > keySize {
		return nil, fmt.Errorf("mesh/packet: mesh name must be at most %d bytes, got %d", keySize, len(name))
	}
	if len(password) > keySize {
		return nil, fmt.Errorf("mesh/packet: mesh password must be at most %d bytes, got %d", keySize, len(password))
	}
	n := pad16(name)
	p := pad16(password)
	out := make([]byte, keySize)
	for i := range out {
		out[i] = n[i] ^ p[i]
	}
	return out, nil
}

// SessionKey derives the per-connection symmetric key from the mesh
// credentials and the random nonces exchanged during pairing.
func SessionKey(name, password, sessionRandom, responseRandom []byte) ([]byte, error) {
	if len(sessionRandom) != SessionRandomSize || len(responseRandom) != SessionRandomSize {
		return nil, fmt.Errorf("mesh/packet: session and response randoms must be %d bytes", SessionRandomSize)
	}
	nk, err := nameKey(name, password)
	if err != nil {
		return nil, err
	}
	random := make([]byte, 0, blockSize)
	random = append(random, sessionRandom...)
	random = append(random, responseRandom...)
	return Encrypt(nk, random)
}

// BuildPairRequest builds the 17-byte pairing handshake packet written to
// the pair characteristic: 0x0C, the 8-byte session random, and the first
// 8 bytes of the encrypted name-xor-password block.
func BuildPairRequest(name, password, sessionRandom []byte) ([]byte, error) {
	if len(sessionRandom) != SessionRandomSize {
		return nil, fmt.Errorf("mesh/packet: session random must be %d bytes, got %d", SessionRandomSize, len(sessionRandom))
	}
	nk, err := nameKey(name, password)
	if err != nil {
		return nil, err
	}
	enc, err := Encrypt(pad16(sessionRandom), nk)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+SessionRandomSize+8)
	out = append(out, OpPairRequest)
	out = append(out, sessionRandom...)
	out = append(out, enc[:8]...)
	return out, nil
}

// Checksum computes the CBC-MAC-style authenticator over a payload:
// encrypt nonce plus payload length, then XOR-and-encrypt each 16-byte
// payload block in turn. Only the first two bytes go on the wire.
func Checksum(key, nonce, payload []byte) ([]byte, error) {
	base := make([]byte, 0, blockSize)
	base = append(base, nonce...)
	base = append(base, byte(len(payload)))
	check, err := Encrypt(key, base)
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(payload); i += blockSize {
		blk := pad16(payload[i:min(i+blockSize, len(payload))])
		for j := range check {
			check[j] ^= blk[j]
		}
		if check, err = Encrypt(key, check); err != nil {
			return nil, err
		}
	}
	return check, nil
}

// CryptPayload applies the CTR-style keystream to a payload. Encryption
// and decryption are the same operation. The counter lives in byte 0 of
// the block input and increments per 16-byte block.
func CryptPayload(key, nonce, payload []byte) ([]byte, error) {
	base := make([]byte, blockSize)
	base[0] = 0
	copy(base[1:], nonce)
	out := make([]byte, 0, len(payload))
	for i := 0; i < len(payload); i += blockSize {
		ks, err := Encrypt(key, base)
		if err != nil {
			return nil, err
		}
		blk := payload[i:min(i+blockSize, len(payload))]
		for j, v := range blk {
			out = append(out, v^ks[j])
		}
		base[0]++
	}
	return out, nil
}

// BuildCommand assembles a 20-byte encrypted command packet addressed to
// dest. The sequence number is a fresh 3-byte random; it only needs to
// differ between packets.
func BuildCommand(key []byte, mac net.HardwareAddr, dest uint16, opcode byte, data []byte) ([]byte, error) {
	if len(mac) < 4 {
		return nil, fmt.Errorf("mesh/packet: mac must be at least 4 bytes, got %d", len(mac))
	}
	if len(data) > MaxCommandData {
		return nil, fmt.Errorf("mesh/packet: command data must be at most %d bytes, got %d", MaxCommandData, len(data))
	}

	seq := make([]byte, 3)
	if _, err := rand.Read(seq); err != nil {
		return nil, fmt.Errorf("mesh/packet: sequence random: %w", err)
	}

	rev := reverse(mac)
	nonce := make([]byte, 0, 8)
	nonce = append(nonce, rev[:4]...)
	nonce = append(nonce, 0x01)
	nonce = append(nonce, seq...)

	payload := make([]byte, payloadSize)
	binary.LittleEndian.PutUint16(payload[0:2], dest)
	payload[2] = opcode
	payload[3] = 0x60
	payload[4] = 0x01
	copy(payload[5:], data)

	check, err := Checksum(key, nonce, payload)
	if err != nil {
		return nil, err
	}
	enc, err := CryptPayload(key, nonce, payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, PacketSize)
	out = append(out, seq...)
	out = append(out, check[:2]...)
	out = append(out, enc...)
	return out, nil
}

// Decrypt decodes a device-originated frame read from the status
// characteristic or delivered as a notification. Device frames carry five
// nonce bytes and a two-byte checksum ahead of the encrypted payload; the
// nonce is completed with the first three bytes of the reversed MAC. The
// returned slice is the 7-byte header followed by the decrypted payload.
func Decrypt(key []byte, mac net.HardwareAddr, raw []byte) ([]byte, error) {
	if len(raw) < 8 {
		return nil, ErrTruncated
	}
	if len(mac) < 3 {
		return nil, fmt.Errorf("mesh/packet: mac must be at least 3 bytes, got %d", len(mac))
	}

	rev := reverse(mac)
	nonce := make([]byte, 0, 8)
	nonce = append(nonce, rev[:3]...)
	nonce = append(nonce, raw[:5]...)

	payload, err := CryptPayload(key, nonce, raw[7:])
	if err != nil {
		return nil, err
	}
	check, err := Checksum(key, nonce, payload)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(check[:2], raw[5:7]) {
		return nil, ErrChecksum
	}

	out := make([]byte, 0, len(raw))
	out = append(out, raw[:7]...)
	out = append(out, payload...)
	return out, nil
}
