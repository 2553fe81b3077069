package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// checksDocument is the on-disk shape of the contract checks file:
//
//	checks:
//	  verifiedSource: source != ""
//	  proxyContract: abi.contains("upgradeTo")
type checksDocument struct {
	Checks map[string]string `koanf:"checks"`
}

// LoadChecks reads named CEL expressions from a yaml, json, or toml document.
// Blank names or expressions are rejected so a typo cannot silently disable a check.
func LoadChecks(path string) (map[string]string, error) {
	parser, err := parserFor(path)
	if err != nil {
		return nil, err
	}
	k := koanf.New("::")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("config: load checks from %s: %w", path, err)
	}
	var doc checksDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: decode checks from %s: %w", path, err)
	}
	out := make(map[string]string, len(doc.Checks))
	for name, expression := range doc.Checks {
		trimmedName := strings.TrimSpace(name)
		trimmedExpr := strings.TrimSpace(expression)
		if trimmedName == "" {
			return nil, fmt.Errorf("config: checks file %s contains an unnamed check", path)
		}
		if trimmedExpr == "" {
			return nil, fmt.Errorf("config: check %q in %s has no expression", trimmedName, path)
		}
		out[trimmedName] = trimmedExpr
	}
	return out, nil
}
