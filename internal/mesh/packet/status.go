package packet

// Frame opcodes carried at byte 7 of a decrypted device frame.
const (
	OpStatusRequest  = 0xDA // host asks for status
	OpStatusResponse = 0xDB // reply to a status request
	OpNotification   = 0xDC // unsolicited state change
)

// StatusKind distinguishes the two device frame layouts.
type StatusKind int

const (
	StatusResponse StatusKind = iota
	StatusNotification
)

func (k StatusKind) String() string {
	if k == StatusNotification {
		return "notification"
	}
	return "response"
}

// Status is a decoded device state frame. Responses and notifications
// carry the same fields at different byte offsets; both decode into the
// same struct and are handled identically downstream.
type Status struct {
	Kind             StatusKind
	MeshID           uint16
	On               bool
	ColorMode        bool
	TransitionMode   bool
	Red              uint8
	Green            uint8
	Blue             uint8
	WhiteTemperature uint8 // 0..0x7F
	WhiteBrightness  uint8 // 1..0x7F
	ColorBrightness  uint8 // 0x0A..0x64
}

// ParseStatus decodes the output of Decrypt into a Status. Frames that
// are not status responses or notifications yield ErrUnknownOpcode.
//
// The two layouts differ: a response carries its mesh id in the plaintext
// header (bytes 3 and 4) with the mode block at byte 10, while a
// notification splits its mesh id across bytes 10 and 19 with the mode
// block at byte 12.
func ParseStatus(decoded []byte) (*Status, error) {
	if len(decoded) < 8 {
		return nil, ErrTruncated
	}

	switch decoded[7] {
	case OpStatusResponse:
		if len(decoded) < 17 {
			return nil, ErrTruncated
		}
		st := &Status{
			Kind:   StatusResponse,
			MeshID: uint16(decoded[4])<<8 | uint16(decoded[3]),
		}
		st.setMode(decoded[10])
		st.WhiteBrightness = decoded[11]
		st.WhiteTemperature = decoded[12]
		st.ColorBrightness = decoded[13]
		st.Red, st.Green, st.Blue = decoded[14], decoded[15], decoded[16]
		return st, nil

	case OpNotification:
		if len(decoded) < 20 {
			return nil, ErrTruncated
		}
		st := &Status{
			Kind:   StatusNotification,
			MeshID: uint16(decoded[19])<<8 | uint16(decoded[10]),
		}
		st.setMode(decoded[12])
		st.WhiteBrightness = decoded[13]
		st.WhiteTemperature = decoded[14]
		st.ColorBrightness = decoded[15]
		st.Red, st.Green, st.Blue = decoded[16], decoded[17], decoded[18]
		return st, nil
	}

	return nil, ErrUnknownOpcode
}

func (s *Status) setMode(mode byte) {
	s.On = mode&1 == 1
	s.ColorMode = mode>>1&1 == 1
	s.TransitionMode = mode>>2&1 == 1
}
