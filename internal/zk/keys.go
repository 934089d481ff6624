// keys.go - Groth16 key management.
//
// Keys are cached on disk so the daemon does not rerun the trusted setup on
// every start. If either file is missing or unreadable a fresh setup runs
// and both files are rewritten.

package zk

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
)

// SetupOrLoadKeys loads Groth16 keys from disk, or generates and saves them.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk, pkErr := LoadProvingKey(pkPath)
	vk, vkErr := LoadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, nil
	}

	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, fmt.Errorf("zk: setup: %w", err)
	}
	if err := SaveProvingKey(pkPath, pk); err != nil {
		return nil, nil, err
	}
	if err := SaveVerifyingKey(vkPath, vk); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}

// SaveProvingKey writes a proving key to path, creating parent directories.
func SaveProvingKey(path string, pk groth16.ProvingKey) error {
	return saveKey(path, pk.WriteTo)
}

// SaveVerifyingKey writes a verifying key to path.
func SaveVerifyingKey(path string, vk groth16.VerifyingKey) error {
	return saveKey(path, vk.WriteTo)
}

// LoadProvingKey reads a proving key from path.
func LoadProvingKey(path string) (groth16.ProvingKey, error) {
	pk := groth16.NewProvingKey(ecc.BN254)
	if err := loadKey(path, pk.ReadFrom); err != nil {
		return nil, err
	}
	return pk, nil
}

// LoadVerifyingKey reads a verifying key from path.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if err := loadKey(path, vk.ReadFrom); err != nil {
		return nil, err
	}
	return vk, nil
}

func saveKey(path string, writeTo func(w io.Writer) (int64, error)) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("zk: create key dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("zk: create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := writeTo(f); err != nil {
		return fmt.Errorf("zk: write %s: %w", path, err)
	}
	return nil
}

func loadKey(path string, readFrom func(r io.Reader) (int64, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := readFrom(f); err != nil {
		return fmt.Errorf("zk: read %s: %w", path, err)
	}
	return nil
}
