package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	machineTokenPrefix = "ecm_"
	machineSecretBytes = 32
)

var ErrMachineTokenFormat = errors.New("invalid token format")

// MachineToken lets a headless client such as a line PLC gateway act as an
// operator. The config only ever holds Digest(); the token itself is shown
// once when it is minted.
type MachineToken struct {
	ID     uuid.UUID
	secret string
}

func NewMachineToken() (MachineToken, error) {
	b := make([]byte, machineSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return MachineToken{}, fmt.Errorf("failed to generate secret: %w", err)
	}
	return MachineToken{ID: uuid.New(), secret: hex.EncodeToString(b)}, nil
}

// ParseMachineToken accepts ecm_<uuid>_<64 hex digits>.
func ParseMachineToken(s string) (MachineToken, error) {
	rest, ok := strings.CutPrefix(s, machineTokenPrefix)
	if !ok {
		return MachineToken{}, ErrMachineTokenFormat
	}
	idPart, secret, ok := strings.Cut(rest, "_")
	if !ok {
		return MachineToken{}, ErrMachineTokenFormat
	}
	id, err := uuid.Parse(idPart)
	if err != nil || len(idPart) != 36 {
		return MachineToken{}, ErrMachineTokenFormat
	}
	if len(secret) != 2*machineSecretBytes {
		return MachineToken{}, ErrMachineTokenFormat
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return MachineToken{}, ErrMachineTokenFormat
	}
	return MachineToken{ID: id, secret: secret}, nil
}

func (m MachineToken) String() string {
	return machineTokenPrefix + m.ID.String() + "_" + m.secret
}

// Digest is the value listed under auth.machine_token_hashes.
func (m MachineToken) Digest() string {
	sum := sha256.Sum256([]byte(m.String()))
	return hex.EncodeToString(sum[:])
}
