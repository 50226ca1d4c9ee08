package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// sessionsFile is the layout of SESSIONS_FILE:
//
//	sessions:
//	  - name: alice
//	    session_string: "..."
//	    rps: 1.5
type sessionsFile struct {
	Sessions []Session `yaml:"sessions"`
}

// LoadSessionsFile reads and validates a YAML sessions file.
func LoadSessionsFile(path string) ([]Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sessions file %s: %w", path, err)
	}
	return ParseSessions(data)
}

// ParseSessions decodes and validates a YAML sessions document.
func ParseSessions(data []byte) ([]Session, error) {
	var f sessionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sessions: %w", err)
	}
	for i, s := range f.Sessions {
		if err := validate.Struct(s); err != nil {
			return nil, fmt.Errorf("session %d: %w", i, err)
		}
	}
	return f.Sessions, nil
}
