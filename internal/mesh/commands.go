package mesh

import "encoding/binary"

// Mesh command opcodes. Writes go to the command characteristic; status
// replies come back as packet.OpStatusResponse / packet.OpNotification
// frames.
const (
	// CmdMeshGroup sets mesh groups. Data: 3 bytes.
	CmdMeshGroup = 0xD7
	// CmdMeshAddress sets the mesh id. The device keeps answering to id 0.
	// Data: the new mesh id, 2 bytes little endian.
	CmdMeshAddress = 0xE0
	// CmdMeshReset restores the default mesh name and password.
	CmdMeshReset = 0xE3
	// CmdPower switches the device. Data: one byte, 0 or 1.
	CmdPower = 0xD0
	// CmdLightMode selects the light mode. Data: one byte.
	CmdLightMode = 0x33
	// CmdPreset selects a preset color sequence. Data: one byte, 0 to 6.
	CmdPreset = 0xC8
	// CmdWhiteTemperature sets the white temperature. Data: one byte, 0 to 0x7F.
	CmdWhiteTemperature = 0xF0
	// CmdWhiteBrightness sets the white brightness. Data: one byte, 1 to 0x7F.
	CmdWhiteBrightness = 0xF1
	// CmdColor sets the RGB color. Data: 0x04, red, green, blue.
	CmdColor = 0xE2
	// CmdColorBrightness sets the color brightness. Data: one byte, 0x0A to 0x64.
	CmdColorBrightness = 0xF2
	// CmdSequenceColorDuration sets how long each color of a sequence is
	// held. Data: milliseconds, 4 bytes little endian.
	CmdSequenceColorDuration = 0xF5
	// CmdSequenceFadeDuration sets the fade time between sequence colors.
	// Data: milliseconds, 4 bytes little endian.
	CmdSequenceFadeDuration = 0xF6
	// CmdTime sets the device clock. Data: 7 bytes.
	CmdTime = 0xE4
	// CmdAlarms configures alarms. Data: 10 bytes.
	CmdAlarms = 0xE5
	// CmdStatusRequest asks a device (or the broadcast id) to report its
	// status. Data: one byte, 0x10.
	CmdStatusRequest = 0xDA
)

// BroadcastMeshID addresses every member of the mesh.
const BroadcastMeshID uint16 = 0xFFFF

// On turns a device on.
func (m *Mesh) On(meshID uint16) error {
	return m.Send(CmdPower, []byte{0x01}, meshID)
}

// Off turns a device off.
func (m *Mesh) Off(meshID uint16) error {
	return m.Send(CmdPower, []byte{0x00}, meshID)
}

// SetColor sets the RGB color of a device.
func (m *Mesh) SetColor(meshID uint16, red, green, blue uint8) error {
	return m.Send(CmdColor, []byte{0x04, red, green, blue}, meshID)
}

// SetColorBrightness sets the color-mode brightness (0x0A to 0x64).
func (m *Mesh) SetColorBrightness(meshID uint16, brightness uint8) error {
	return m.Send(CmdColorBrightness, []byte{brightness}, meshID)
}

// SetWhiteTemperature sets the white temperature (0 to 0x7F).
func (m *Mesh) SetWhiteTemperature(meshID uint16, temperature uint8) error {
	return m.Send(CmdWhiteTemperature, []byte{temperature}, meshID)
}

// SetWhiteBrightness sets the white-mode brightness (1 to 0x7F).
func (m *Mesh) SetWhiteBrightness(meshID uint16, brightness uint8) error {
	return m.Send(CmdWhiteBrightness, []byte{brightness}, meshID)
}

// SetPreset selects one of the built-in color sequences (0 to 6).
func (m *Mesh) SetPreset(meshID uint16, preset uint8) error {
	return m.Send(CmdPreset, []byte{preset}, meshID)
}

// SetSequenceColorDuration sets the hold time per sequence color.
func (m *Mesh) SetSequenceColorDuration(meshID uint16, millis uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, millis)
	return m.Send(CmdSequenceColorDuration, data, meshID)
}

// SetSequenceFadeDuration sets the fade time between sequence colors.
func (m *Mesh) SetSequenceFadeDuration(meshID uint16, millis uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, millis)
	return m.Send(CmdSequenceFadeDuration, data, meshID)
}

// RequestStatus asks a device for a fresh status report. Best-effort: a
// delivery failure is logged, not returned.
func (m *Mesh) RequestStatus(meshID uint16) error {
	return m.submit(&command{
		opcode:      CmdStatusRequest,
		data:        []byte{0x10},
		dest:        meshID,
		allowToFail: true,
	})
}
