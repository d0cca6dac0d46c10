package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Card is a character card: the persona a session starts from.
type Card struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Prompt           string   `yaml:"prompt"`
	Intro            string   `yaml:"intro"`
	StartingMessages []string `yaml:"starting_messages"`
	Voice            string   `yaml:"voice"`
	BaseModel        string   `yaml:"base_model"`
}

// LoadCard reads a character card from a YAML file.
func LoadCard(path string) (*Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read card: %w", err)
	}
	return ParseCard(data)
}

func ParseCard(data []byte) (*Card, error) {
	var c Card
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse card: %w", err)
	}
	if c.Prompt == "" {
		return nil, errors.New("parse card: prompt is required")
	}
	return &c, nil
}
