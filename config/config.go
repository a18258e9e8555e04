package config

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	KMsg   KMsgConfig
	Follow FollowConfig
	Log    LogConfig
}

type KMsgConfig struct {
	Path string // structured kernel-message device
}

type FollowConfig struct {
	PollInterval time.Duration // minimum sleep between empty klogctl reads
}

type LogConfig struct {
	Level string
}

func NewConfig() (*Config, error) {
	// Configure Viper to read .env file
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	// Enable automatic environment variable loading
	viper.AutomaticEnv()

	viper.SetDefault("KMSG_PATH", "/dev/kmsg")
	viper.SetDefault("FOLLOW_POLL_INTERVAL", "1s")
	viper.SetDefault("LOG_LEVEL", "warn")

	// Read config file; a missing .env just means defaults plus environment.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("Error reading config file")
		}
	}

	var config Config
	config.KMsg.Path = viper.GetString("KMSG_PATH")
	config.Follow.PollInterval = viper.GetDuration("FOLLOW_POLL_INTERVAL")
	config.Log.Level = viper.GetString("LOG_LEVEL")

	log.Debug().Interface("config", config).Msg("Config loaded")
	return &config, nil
}
