package linux

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

const machineIDPath = "/etc/machine-id"

// MachineID reads /etc/machine-id and hashes it down to a stable 16-hex-
// digit identifier, used to derive the synthetic device MAC the office-
// mode request carries.
type MachineID struct{}

// NewMachineID builds the adapter.
func NewMachineID() *MachineID { return &MachineID{} }

// Get returns the stable per-host identifier.
func (MachineID) Get(ctx context.Context) (string, error) {
	data, err := os.ReadFile(machineIDPath)
	if err != nil {
		return "", fmt.Errorf("machineid: read %s: %w", machineIDPath, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}
