package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ojpio/ojp-go/ojperr"
)

// DriverManifest lists drivers already linked into this binary that a deployment
// wants published for a given libs directory, e.g. "./ojp-libs/drivers.json":
//
//	{"drivers": ["mysql", "postgres"]}
//
// Go binaries cannot dynamically load .jar-equivalent driver archives the way the
// JVM can (spec.md §4.6's "*.jar-like file" loader); the nearest available
// equivalent is validating, at startup, that every driver a deployment declares is
// in fact registered in this binary's database/sql driver registry — see DESIGN.md.
type DriverManifest struct {
	Drivers []string `json:"drivers"`
}

// LoadExternalDrivers reads dir/drivers.json (if present) and verifies every named
// driver is registered with database/sql. Returns DriverMissing for any that are not.
func LoadExternalDrivers(dir string) ([]string, error) {
	manifestPath := filepath.Join(dir, "drivers.json")
	data, err := os.ReadFile(manifestPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading driver manifest %s: %w", manifestPath, err)
	}

	var manifest DriverManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing driver manifest %s: %w", manifestPath, err)
	}

	registered := make(map[string]bool)
	for _, name := range sql.Drivers() {
		registered[name] = true
	}

	for _, name := range manifest.Drivers {
		if !registered[name] {
			return nil, ojperr.New(ojperr.KindDriverMissing, "driver %q listed in %s is not registered with database/sql", name, manifestPath)
		}
	}

	return manifest.Drivers, nil
}
