// Package config loads daemon settings from the environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/sweeney/gasmeter-sensor/internal/gpio"
	"github.com/sweeney/gasmeter-sensor/internal/logic"
	"github.com/sweeney/gasmeter-sensor/internal/mqtt"
)

type Config struct {
	HighCeiling  int           `env:"HIGH_CEILING" default:"4"`
	LowCeiling   int           `env:"LOW_CEILING" default:"8"`
	PollInterval time.Duration `env:"POLL_INTERVAL" default:"5s"`

	GPIOChip      string `env:"GPIO_CHIP" default:"gpiochip0"`
	GPIOPin       int    `env:"GPIO_PIN" default:"26"`
	GPIOBias      string `env:"GPIO_BIAS" default:"none"`
	GPIOActiveLow bool   `env:"GPIO_ACTIVE_LOW" default:"false"`
	IndicatorPin  int    `env:"INDICATOR_PIN" default:"13"` // -1 disables the output

	MQTTBroker     string `env:"MQTT_BROKER" default:"tcp://127.0.0.1:1883"`
	MQTTIdentifier string `env:"MQTT_IDENTIFIER" default:"gasmeter-ky025"`
	MQTTUsername   string `env:"MQTT_USERNAME"`
	MQTTPassword   string `env:"MQTT_PASSWORD"`

	Timezone          string        `env:"TIMEZONE" default:"Local"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"15m"`
	HTTPAddr          string        `env:"HTTP_ADDR" default:":8080"`
	JournalPath       string        `env:"JOURNAL_PATH"`
	MinClockYear      int           `env:"MIN_CLOCK_YEAR" default:"2023"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// Load reads .env (if present) and the process environment, then parses
// args with fs so that command-line flags override the environment. The
// result is validated.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindFlags registers flags whose defaults are the values already loaded
// from the environment.
func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.HighCeiling, "high-ceiling", c.HighCeiling, "HIGH samples needed before a HIGH event")
	fs.IntVar(&c.LowCeiling, "low-ceiling", c.LowCeiling, "LOW samples needed before a LOW event")
	fs.DurationVar(&c.PollInterval, "poll", c.PollInterval, "GPIO sampling interval")
	fs.StringVar(&c.GPIOChip, "chip", c.GPIOChip, "GPIO character device")
	fs.IntVar(&c.GPIOPin, "pin", c.GPIOPin, "BCM pin number of the sensor")
	fs.StringVar(&c.GPIOBias, "bias", c.GPIOBias, "sensor line bias: none, pull-up or pull-down")
	fs.BoolVar(&c.GPIOActiveLow, "active-low", c.GPIOActiveLow, "treat a low line as magnet present")
	fs.IntVar(&c.IndicatorPin, "indicator-pin", c.IndicatorPin, "BCM pin driven by the output topic (-1 to disable)")
	fs.StringVar(&c.MQTTBroker, "broker", c.MQTTBroker, "MQTT broker address")
	fs.StringVar(&c.MQTTIdentifier, "id", c.MQTTIdentifier, "MQTT client ID and topic prefix")
	fs.StringVar(&c.Timezone, "tz", c.Timezone, "time zone of published timestamps")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat", c.HeartbeatInterval, "heartbeat interval (0 to disable)")
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "HTTP status address (empty to disable)")
	fs.StringVar(&c.JournalPath, "journal", c.JournalPath, "SQLite event journal path (empty to disable)")
}

// Validate checks the settings for values the daemon cannot run with.
func (c *Config) Validate() error {
	if err := c.Debounce().Validate(); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}
	if c.HeartbeatInterval < 0 {
		return errors.New("HEARTBEAT_INTERVAL must not be negative")
	}
	if c.GPIOPin < 0 {
		return fmt.Errorf("GPIO_PIN must not be negative, got %d", c.GPIOPin)
	}
	if c.IndicatorPin >= 0 && c.IndicatorPin == c.GPIOPin {
		return fmt.Errorf("INDICATOR_PIN must differ from GPIO_PIN (%d)", c.GPIOPin)
	}
	if _, err := gpio.ParseBias(c.GPIOBias); err != nil {
		return err
	}
	if c.MQTTBroker == "" {
		return errors.New("MQTT_BROKER is required")
	}
	if c.MQTTIdentifier == "" {
		return errors.New("MQTT_IDENTIFIER is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Debounce returns the debouncer ceilings.
func (c *Config) Debounce() logic.Config {
	return logic.Config{HighCeiling: c.HighCeiling, LowCeiling: c.LowCeiling}
}

// Location resolves Timezone, which is used for the lastHigh/lastLow payloads.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

// IndicatorEnabled reports whether the auxiliary output line is configured.
func (c *Config) IndicatorEnabled() bool {
	return c.IndicatorPin >= 0
}

// PublisherOptions builds the MQTT publisher settings. The caller fills in
// OnCommand and Clock.
func (c *Config) PublisherOptions(loc *time.Location) mqtt.Options {
	return mqtt.Options{
		Broker:     c.MQTTBroker,
		Identifier: c.MQTTIdentifier,
		Username:   c.MQTTUsername,
		Password:   c.MQTTPassword,
		Location:   loc,
	}
}
