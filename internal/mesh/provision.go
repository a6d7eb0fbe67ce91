package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Factory credentials every AwoX device ships with.
const (
	factoryMeshName     = "unpaired"
	factoryMeshPassword = "1234"
)

// Provision joins the device at mac to this mesh network: pair with the
// factory-default credentials and write our name, password and long-term
// key. A device that rejects the factory credentials is probed with the
// mesh credentials to tell "already a member" apart from "belongs to a
// different mesh".
//
// Setup-time operation. The transport supports a single connection, so
// this must not run while the scheduler holds a gateway session.
func (m *Mesh) Provision(ctx context.Context, mac string) error {
	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("mesh: enable adapter: %w", err)
	}

	sess, err := NewSession(m.adapter, mac, 0, factoryMeshName, factoryMeshPassword, nil)
	if err != nil {
		return err
	}
	err = sess.Connect(ctx)
	if err == nil {
		defer sess.Disconnect()
		slog.Info("[mesh] provisioning factory-fresh device", "mac", mac)
		return sess.SetMeshCredentials(m.name, m.password, m.longTermKey)
	}
	if !errors.Is(err, ErrPairingRejected) {
		return err
	}

	member, err2 := NewSession(m.adapter, mac, 0, m.name, m.password, nil)
	if err2 != nil {
		return err2
	}
	if err2 = member.Connect(ctx); err2 != nil {
		return fmt.Errorf("mesh: device %s rejects both factory and mesh credentials: %w", mac, err2)
	}
	member.Disconnect()
	slog.Info("[mesh] device already provisioned", "mac", mac)
	return nil
}
