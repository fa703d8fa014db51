// Detector configuration: YAML file, BLOCKWATCH_* environment, then flags.
package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andrewh/blockwatch/pkg/blocked"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	keyWarnBusySinglePoll = "thresholds.warn_busy_single_poll"
	keyInfoBusySinglePoll = "thresholds.info_busy_single_poll"

	envPrefix = "BLOCKWATCH"
	disabled  = "off"
)

// Config is the detector configuration.
type Config struct {
	Thresholds ThresholdConfig `mapstructure:"thresholds"`
	Classify   []blocked.Rule  `mapstructure:"classify"`
}

// ThresholdConfig holds each check's threshold as a duration string.
// An empty string or "off" disables the check.
type ThresholdConfig struct {
	WarnBusySinglePoll string `mapstructure:"warn_busy_single_poll"`
	InfoBusySinglePoll string `mapstructure:"info_busy_single_poll"`
}

// addDetectorFlags registers the flags that override configuration values.
func addDetectorFlags(cmd *cobra.Command, defaultWarn time.Duration) {
	cmd.Flags().String("config", "", "YAML config file with thresholds and classify rules")
	cmd.Flags().String("warn-busy-single-poll", "", fmt.Sprintf(`warn when one poll reaches this duration, or "off" (default %s)`, defaultWarn))
	cmd.Flags().String("info-busy-single-poll", "", `report polls reaching this duration at info severity, or "off"`)
}

// loadConfig merges defaults, the optional config file, BLOCKWATCH_*
// environment variables and changed flags, in increasing precedence.
func loadConfig(cmd *cobra.Command, defaultWarn time.Duration) (*Config, error) {
	v := viper.New()
	v.SetDefault(keyWarnBusySinglePoll, defaultWarn.String())
	v.SetDefault(keyInfoBusySinglePoll, disabled)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		keyWarnBusySinglePoll: "warn-busy-single-poll",
		keyInfoBusySinglePoll: "info-busy-single-poll",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding --%s: %w", flag, err)
			}
		}
	}

	if f := cmd.Flags().Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", f.Value.String(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks thresholds and classify rules.
func (c *Config) Validate() error {
	var errs []error
	if _, err := parseThreshold("warn_busy_single_poll", c.Thresholds.WarnBusySinglePoll); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseThreshold("info_busy_single_poll", c.Thresholds.InfoBusySinglePoll); err != nil {
		errs = append(errs, err)
	}
	for i, r := range c.Classify {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("classify[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// parseThreshold returns the threshold, or -1 when the check is off.
func parseThreshold(name, s string) (d time.Duration, err error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, disabled) {
		return -1, nil
	}
	d, err = time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("thresholds.%s: invalid duration %q: %w", name, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("thresholds.%s must not be negative, got %s", name, d)
	}
	return d, nil
}

// BuildThresholds returns the configured checks.
func (c *Config) BuildThresholds() (blocked.Thresholds, error) {
	var t blocked.Thresholds
	warn, err := parseThreshold("warn_busy_single_poll", c.Thresholds.WarnBusySinglePoll)
	if err != nil {
		return t, err
	}
	if warn >= 0 {
		t = t.WithBusySinglePoll(warn)
	}
	info, err := parseThreshold("info_busy_single_poll", c.Thresholds.InfoBusySinglePoll)
	if err != nil {
		return t, err
	}
	if info >= 0 {
		t = t.WithInfoSinglePoll(info)
	}
	return t, nil
}

// BuildClassifier returns the shared default classifier unless rules are
// configured.
func (c *Config) BuildClassifier() *blocked.Classifier {
	if len(c.Classify) == 0 {
		return blocked.DefaultClassifier()
	}
	return blocked.NewClassifier(c.Classify...)
}

// observerOptions turns the configuration into observer options.
func (c *Config) observerOptions() ([]blocked.Option, error) {
	t, err := c.BuildThresholds()
	if err != nil {
		return nil, err
	}
	return []blocked.Option{
		blocked.WithThresholds(t),
		blocked.WithClassifier(c.BuildClassifier()),
	}, nil
}
