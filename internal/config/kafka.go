package config

import "kafkabridge/engine"

// LoadKafkaConfig returns only the kafka section of a kbridge.yml, for tools
// that open a bridge without the rest of the daemon.
func LoadKafkaConfig(path string) (engine.Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return engine.Config{}, err
	}
	return cfg.Kafka, nil
}
