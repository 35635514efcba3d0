package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidroman0O/metalflow/decision"
	merrors "github.com/davidroman0O/metalflow/errors"
)

// ProfileFile is the on-disk layout of device profiles and BIOS templates
type ProfileFile struct {
	Profiles []decision.Profile `yaml:"profiles"`
	// Templates maps device type to the desired BIOS settings
	Templates map[string]map[string]string `yaml:"templates"`
}

// Profiles is a loaded and validated profile file
type Profiles struct {
	Source    decision.StaticSource
	Templates map[string]map[string]string
}

// LoadProfiles reads and validates a profile file. Malformed files and
// invalid profiles are configuration errors.
func LoadProfiles(path string) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, merrors.WithContext(
			merrors.Wrap(err, merrors.ErrConfiguration, "read profile file"),
			map[string]interface{}{"path": path},
		)
	}
	p, err := ParseProfiles(data)
	if err != nil {
		return nil, merrors.WithContext(err, map[string]interface{}{"path": path})
	}
	return p, nil
}

// ParseProfiles decodes a profile file from YAML
func ParseProfiles(data []byte) (*Profiles, error) {
	var file ProfileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, merrors.Wrap(err, merrors.ErrConfiguration, "parse profile file")
	}
	if len(file.Profiles) == 0 {
		return nil, merrors.Configuration("profile file declares no profiles")
	}

	src, err := decision.NewStaticSource(file.Profiles...)
	if err != nil {
		return nil, err
	}
	for dt := range file.Templates {
		if _, err := src.Profile(dt); err != nil {
			return nil, merrors.Newf(merrors.ErrConfiguration, "template for %s has no matching profile", dt)
		}
	}
	if file.Templates == nil {
		file.Templates = make(map[string]map[string]string)
	}
	return &Profiles{Source: src, Templates: file.Templates}, nil
}
