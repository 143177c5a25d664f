package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// devicesFile is the YAML shape of a manual device declaration file.
type devicesFile struct {
	Devices []deviceDecl `yaml:"devices"`
}

type deviceDecl struct {
	ID           string         `yaml:"id"`
	IP           string         `yaml:"ip"`
	Protocol     string         `yaml:"protocol"`
	Model        string         `yaml:"model"`
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Capabilities map[string]any `yaml:"capabilities"`
}

// catalogFile maps model identifiers to capability templates. A device's
// own capabilities are applied over its catalog entry.
type catalogFile struct {
	Models map[string]map[string]any `yaml:"models"`
}

// LoadDevicesFile parses a manual device declaration file.
func LoadDevicesFile(path string) ([]ManualDecl, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: reading devices file: %w", err)
	}

	var file devicesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("store: parsing devices file %s: %w", path, err)
	}

	decls := make([]ManualDecl, 0, len(file.Devices))
	for i, d := range file.Devices {
		if d.ID == "" {
			return nil, validationErr("devices_file",
				"entry %d in %s has no id", i, path)
		}
		if d.IP == "" {
			return nil, validationErr("devices_file",
				"device %s in %s has no ip", d.ID, path)
		}
		decls = append(decls, ManualDecl{
			ID:           d.ID,
			IP:           d.IP,
			Protocol:     d.Protocol,
			Model:        d.Model,
			Name:         d.Name,
			Description:  d.Description,
			Capabilities: d.Capabilities,
		})
	}
	return decls, nil
}

// LoadCatalog parses a model capability catalog. Model keys are matched
// case-insensitively.
func LoadCatalog(path string) (map[string]map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: reading catalog file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("store: parsing catalog file %s: %w", path, err)
	}

	catalog := make(map[string]map[string]any, len(file.Models))
	for model, caps := range file.Models {
		catalog[strings.ToLower(model)] = caps
	}
	return catalog, nil
}

// MergeCatalog layers a device's declared capabilities over its catalog
// entry. Device-level keys win.
func MergeCatalog(catalog map[string]map[string]any, model string, declared map[string]any) map[string]any {
	base := catalog[strings.ToLower(model)]
	if base == nil && declared == nil {
		return nil
	}

	merged := make(map[string]any, len(base)+len(declared))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range declared {
		merged[k] = v
	}
	return merged
}

// SyncManualDevices loads the devices file (and optional catalog) and
// upserts every declaration. Called at startup and again on config reload.
func (s *Store) SyncManualDevices(ctx context.Context, devicesPath, catalogPath string) (int, error) {
	if devicesPath == "" {
		return 0, nil
	}

	decls, err := LoadDevicesFile(devicesPath)
	if err != nil {
		return 0, err
	}

	var catalog map[string]map[string]any
	if catalogPath != "" {
		catalog, err = LoadCatalog(catalogPath)
		if err != nil {
			return 0, err
		}
	}

	for _, decl := range decls {
		decl.Capabilities = MergeCatalog(catalog, decl.Model, decl.Capabilities)
		if err := s.UpsertManual(ctx, decl); err != nil {
			return 0, fmt.Errorf("store: syncing manual device %s: %w", decl.ID, err)
		}
	}

	s.logger.Info("manual devices synchronised",
		"count", len(decls), "devices_file", devicesPath)
	return len(decls), nil
}
