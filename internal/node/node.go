// Package node manages the identity of this remindd instance. Every
// instance has a persistent ULID generated on first start and stored in the
// data directory, so log lines and ledger records are attributable to the
// process that produced them across restarts.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

const idFile = "instance_id"

// ID is a ULID string identifying one remindd process, stable across
// restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// Load returns the instance ID for dataDir. An explicit override (anything
// other than "" or "auto") takes precedence and must be a valid ULID;
// otherwise the ID is read from dataDir/instance_id, generating and
// persisting a fresh one on first start.
func Load(dataDir, override string) (ID, error) {
	if dataDir == "" {
		return "", errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return "", fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if _, err := ulid.ParseStrict(override); err != nil {
			return "", fmt.Errorf("node: invalid id override %q: %w", override, err)
		}
		return ID(override), nil
	}

	path := filepath.Join(dataDir, idFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := ulid.ParseStrict(id); perr != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", id, perr)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	id := ulid.Make().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(id), nil
}
