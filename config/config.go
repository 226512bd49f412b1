// Package config implements the configuration file for stepwin32. The file
// lives in the user's resources directory and is in yaml format.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/tetromino/stepwin32/resources"
)

const configFile = "config.yml"

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// Command aliases. the key is the new command name, the value is the
	// command sequence it expands to.
	Aliases map[string][]string `yaml:"aliases"`

	// whether styled (coloured) output is wanted. a nil value means to style
	// output whenever stdout is a terminal.
	Styles *bool `yaml:"styles,omitempty"`

	// the number of instructions shown in the disassembly window.
	DisasmWindow int `yaml:"disasm-window"`

	// the number of rows shown by the MEM command. each row is sixteen bytes.
	MemoryRows int `yaml:"memory-rows"`
}

const (
	defaultDisasmWindow = 16
	defaultMemoryRows   = 16
)

// LoadConfig attempts to populate a Config object from the config.yml file.
// A missing config file is not an error, defaults are returned instead.
func LoadConfig() (*Config, error) {
	pth, err := resources.JoinPath(configFile)
	if err != nil {
		return defaultConfig(), fmt.Errorf("could not locate config file: %w", err)
	}
	return loadConfigFile(pth)
}

func loadConfigFile(pth string) (*Config, error) {
	data, err := os.ReadFile(pth)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return defaultConfig(), fmt.Errorf("unable to read config file: %w", err)
	}

	conf := defaultConfig()
	err = yaml.Unmarshal(data, conf)
	if err != nil {
		return defaultConfig(), fmt.Errorf("unable to decode config file: %w", err)
	}

	if conf.DisasmWindow <= 0 {
		conf.DisasmWindow = defaultDisasmWindow
	}
	if conf.MemoryRows <= 0 {
		conf.MemoryRows = defaultMemoryRows
	}

	return conf, nil
}

func defaultConfig() *Config {
	return &Config{
		DisasmWindow: defaultDisasmWindow,
		MemoryRows:   defaultMemoryRows,
	}
}
