package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type signatureFile struct {
	Signatures []SignatureConfig `yaml:"signatures"`
}

type keysFile struct {
	Keys []KeyConfig `yaml:"keys"`
}

// LoadSignatureFile reads a YAML signature pack:
//
//	signatures:
//	  - id: acme_codeword
//	    lang: en
//	    pattern: 'project\s+nightingale'
//	    category: data_exfiltration
//	    severity: high
func LoadSignatureFile(path string) ([]SignatureConfig, error) {
	var f signatureFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	return f.Signatures, nil
}

// LoadKeysFile reads a YAML list of API keys and tiers:
//
//	keys:
//	  - key: demo-key
//	    tier: free
func LoadKeysFile(path string) ([]KeyConfig, error) {
	var f keysFile
	if err := readYAML(path, &f); err != nil {
		return nil, err
	}
	return f.Keys, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
