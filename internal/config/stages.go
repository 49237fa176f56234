package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StageDef describes one analysis stage (one agent step) in pipeline order.
type StageDef struct {
	Name string `yaml:"name"`
}

type stagesFile struct {
	Stages []StageDef `yaml:"stages"`
}

// DefaultStages is the stage roster used when no stages.yaml is found.
var DefaultStages = []string{
	"market_analyst",
	"news_analyst",
	"fundamentals_analyst",
	"research_manager",
	"trader",
	"risk_manager",
}

var stagesPaths = []string{
	os.Getenv("STAGES_CONFIG_PATH"),
	"./config/stages.yaml",
	"../config/stages.yaml",
}

// LoadStages returns the stage names from stages.yaml, searching the
// configured paths and then walking up from the working directory. Falls back
// to DefaultStages when no file exists.
func LoadStages() ([]string, error) {
	for _, p := range stagesPaths {
		if p == "" {
			continue
		}
		if names, err := readStages(p); err == nil {
			return names, nil
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if p, ok := findUpStages(); ok {
		return readStages(p)
	}
	return append([]string(nil), DefaultStages...), nil
}

func readStages(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f stagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal stages config %s: %w", path, err)
	}
	if len(f.Stages) == 0 {
		return nil, fmt.Errorf("stages config %s defines no stages", path)
	}
	names := make([]string, 0, len(f.Stages))
	seen := make(map[string]struct{}, len(f.Stages))
	for _, s := range f.Stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stages config %s has a stage without a name", path)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("stages config %s repeats stage %q", path, s.Name)
		}
		seen[s.Name] = struct{}{}
		names = append(names, s.Name)
	}
	return names, nil
}

func findUpStages() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "stages.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}
