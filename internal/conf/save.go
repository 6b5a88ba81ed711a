package conf

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/avibox/avibox/internal/errors"
)

// SaveSettings writes the settings as YAML to the given path atomically:
// the document is written to a temp file in the same directory and renamed
// over the target, so a crash never leaves a half-written config.
func SaveSettings(s *Settings, path string) error {
	out, err := yaml.Marshal(s)
	if err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "marshal").
			Build()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", dir).
			Build()
	}

	tmp, err := os.CreateTemp(dir, "config-*.yaml")
	if err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", "create-temp").
			Build()
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", "write-temp").
			Build()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", "close-temp").
			Build()
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", "rename").
			Context("path", path).
			Build()
	}
	return nil
}

// LoadFrom reads and validates a settings document from an explicit path,
// bypassing the global viper instance. Used by tests and one-shot tools.
func LoadFrom(path string) (*Settings, error) {
	v := viperWithDefaults()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("path", path).
			Build()
	}
	if err := migrateConfig(v); err != nil {
		return nil, err
	}
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}
