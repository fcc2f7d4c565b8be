package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

var (
	brandCatalog []Brand
	brandLock    sync.RWMutex
)

type brandFile struct {
	Brands []Brand `toml:"brand"`
}

// LoadBrandCatalog replaces the active brand catalog with the contents of a
// TOML file ([[brand]] tables). An empty path restores the defaults.
func LoadBrandCatalog(path string) error {
	if path == "" {
		SetBrandCatalog(DefaultBrands)
		return nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	var file brandFile
	if _, err := toml.DecodeFile(absPath, &file); err != nil {
		return fmt.Errorf("failed to parse brand catalog: %w", err)
	}
	if err := validateBrands(file.Brands); err != nil {
		return err
	}

	SetBrandCatalog(file.Brands)
	return nil
}

// SetBrandCatalog installs a copy of brands as the active catalog
func SetBrandCatalog(brands []Brand) {
	brandLock.Lock()
	defer brandLock.Unlock()

	brandCatalog = copyBrands(brands)
}

// GetBrandCatalog returns a copy of the active brand catalog
func GetBrandCatalog() []Brand {
	brandLock.RLock()
	defer brandLock.RUnlock()

	if brandCatalog == nil {
		return copyBrands(DefaultBrands)
	}
	return copyBrands(brandCatalog)
}

func validateBrands(brands []Brand) error {
	if len(brands) == 0 {
		return fmt.Errorf("brand catalog is empty")
	}
	seen := make(map[string]bool, len(brands))
	for _, b := range brands {
		key := strings.ToLower(b.Name)
		if key == "" {
			return fmt.Errorf("brand catalog entry without a name")
		}
		if seen[key] {
			return fmt.Errorf("duplicate brand in catalog: %s", b.Name)
		}
		if len(b.Aliases) == 0 {
			return fmt.Errorf("brand %s has no aliases", b.Name)
		}
		seen[key] = true
	}
	return nil
}

func copyBrands(src []Brand) []Brand {
	out := make([]Brand, len(src))
	for i, b := range src {
		out[i] = Brand{
			Name:    b.Name,
			Aliases: append([]string(nil), b.Aliases...),
			Models:  append([]string(nil), b.Models...),
			Tier:    b.Tier,
		}
	}
	return out
}
