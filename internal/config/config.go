// Package config loads test specifications from YAML files, so a run
// can be described once and replayed from CI or handed to a worker.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"gust"
	"gust/internal/errutil"
)

// File is the on-disk shape: a list of test specs under "tests".
type File struct {
	Tests []gust.TestSpec `yaml:"tests"`
}

// Load reads and validates a spec file.
func Load(path string) ([]gust.TestSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read spec file %q", path)
	}
	return Parse(data)
}

// Parse decodes spec YAML. An empty or malformed document is a
// ConfigError.
func Parse(data []byte) ([]gust.TestSpec, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errutil.Configf("invalid spec file: %v", err)
	}
	if len(f.Tests) == 0 {
		return nil, errutil.Configf("spec file defines no tests")
	}
	return f.Tests, nil
}
