package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the ground link settings. Flags override file values.
type Config struct {
	DeviceID       string `yaml:"device_id"`
	MQTTBroker     string `yaml:"mqtt_broker"`
	PrivateKeyPath string `yaml:"private_key"`
	MAVLinkAddress string `yaml:"mavlink_address"`
	SystemID       uint8  `yaml:"system_id"`
	ComponentID    uint8  `yaml:"component_id"`
}

// Default returns the built-in settings used when no file or flag says
// otherwise.
func Default() Config {
	return Config{
		PrivateKeyPath: "/enclave/rsa_private.pem",
		MAVLinkAddress: "127.0.0.1:14540",
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	conf := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return conf, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return conf, nil
}
