// Package mesh drives an AwoX/Telink BLE lighting mesh through a single
// gateway connection: the per-link authenticated session, and the
// scheduler that owns the device directory, serializes commands through
// one worker, and polls the mesh for status.
package mesh

import "context"

// Telink mesh GATT UUIDs.
const (
	MeshServiceUUID = "00010203-0405-0607-0809-0a0b0c0d1910"
	StatusCharUUID  = "00010203-0405-0607-0809-0a0b0c0d1911"
	CommandCharUUID = "00010203-0405-0607-0809-0a0b0c0d1912"
	OTACharUUID     = "00010203-0405-0607-0809-0a0b0c0d1913"
	PairCharUUID    = "00010203-0405-0607-0809-0a0b0c0d1914"
)

// Characteristic represents a BLE GATT characteristic on a connected
// device.
type Characteristic interface {
	// Write sends data to the characteristic, acknowledged when
	// withResponse is set.
	Write(data []byte, withResponse bool) error
	// Read returns the characteristic's current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device is a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection is an active BLE link to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter so the session and scheduler
// can be exercised against a mock transport.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers nearby BLE peripherals until ctx is done.
	Scan(ctx context.Context) ([]Device, error)
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}

// CandidateScanner supplies gateway candidates with fresh signal strength
// readings. The scheduler consumes it to rank connection candidates.
type CandidateScanner interface {
	ScanCandidates(ctx context.Context) ([]Device, error)
}
