// Package config loads the scheduled-prompt configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Schedule is one cron-driven prompt.
type Schedule struct {
	Name   string `yaml:"name"   json:"name"`
	Cron   string `yaml:"cron"   json:"cron"`
	Prompt string `yaml:"prompt" json:"prompt"`
}

// ScheduleFile is the structure of the schedules.yaml file.
type ScheduleFile struct {
	Schedules []Schedule `yaml:"schedules" json:"schedules"`
}

var scheduleSchema = map[string]any{
	"type":     "object",
	"required": []any{"schedules"},
	"properties": map[string]any{
		"schedules": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"name", "cron", "prompt"},
				"properties": map[string]any{
					"name":   map[string]any{"type": "string", "minLength": 1},
					"cron":   map[string]any{"type": "string", "minLength": 1},
					"prompt": map[string]any{"type": "string", "minLength": 1},
				},
			},
		},
	},
}

// LoadSchedules reads, validates, and parses the schedule configuration.
func LoadSchedules(path string) (*ScheduleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := validateScheduleConfig(raw); err != nil {
		return nil, fmt.Errorf("invalid schedule config %s: %w", path, err)
	}

	var file ScheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return &file, nil
}

// LoadSchedulesOrDefault falls back to an empty schedule list when the file
// does not exist.
func LoadSchedulesOrDefault(path string) *ScheduleFile {
	file, err := LoadSchedules(path)
	if err != nil {
		return &ScheduleFile{}
	}

	return file
}

func validateScheduleConfig(raw map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(scheduleSchema)
	dataLoader := gojsonschema.NewGoLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}
