// Copyright 2023 N4-Networks.com
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the read-only configuration snapshot of the agent.
type Config struct {
	Device DeviceConfig `mapstructure:"device"`
	ACS    ACSConfig    `mapstructure:"acs"`
	Local  LocalConfig  `mapstructure:"local"`
	Log    LogConfig    `mapstructure:"log"`
}

// DeviceConfig carries the device-section options.
type DeviceConfig struct {
	SoftwareVersion string `mapstructure:"software_version"`
}

// ACSConfig carries the acs-section options.
type ACSConfig struct {
	URL                    string `mapstructure:"url"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	PeriodicEnable         bool   `mapstructure:"periodic_enable"`
	PeriodicInterval       int    `mapstructure:"periodic_interval"`
	PeriodicTime           string `mapstructure:"periodic_time"`
	HTTP100ContinueDisable bool   `mapstructure:"http100continue_disable"`
	SSLCert                string `mapstructure:"ssl_cert"`
	SSLCACert              string `mapstructure:"ssl_cacert"`
	SSLVerify              string `mapstructure:"ssl_verify"`
}

// LocalConfig carries the local-section options.
type LocalConfig struct {
	Interface      string `mapstructure:"interface"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	LoggingLevel   string `mapstructure:"logging_level"`
	Authentication string `mapstructure:"authentication"`
	Socket         string `mapstructure:"socket"`
}

// LogConfig carries logger output options.
type LogConfig struct {
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	File       string `mapstructure:"file,omitempty"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads the configuration file, applies defaults and environment
// overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ISPAPPCWMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				if !os.IsNotExist(err) {
					return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("acs.periodic_enable", false)
	v.SetDefault("acs.periodic_interval", 3600)
	v.SetDefault("acs.ssl_verify", "enabled")
	v.SetDefault("local.interface", "eth0")
	v.SetDefault("local.logging_level", "3")
	v.SetDefault("local.authentication", "Digest")
	v.SetDefault("local.socket", "/var/run/ispappcwmpd.sock")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 14)
}

func findConfigFile() string {
	locations := []string{
		"./config.yaml",
		"/etc/ispappcwmpd/config.yaml",
		"/usr/local/etc/ispappcwmpd/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Validate checks the configuration-fatal conditions: the acs url must be
// present with an http or https scheme, and the local port must be set.
func (c *Config) Validate() error {
	if c.ACS.URL == "" {
		return fmt.Errorf("acs url must be defined in the config")
	}
	if !strings.HasPrefix(c.ACS.URL, "http:") && !strings.HasPrefix(c.ACS.URL, "https:") {
		return fmt.Errorf("acs url scheme must be either http or https")
	}
	if c.Local.Port == 0 {
		return fmt.Errorf("local port must be defined in the config")
	}
	if a := c.Local.Authentication; a != "" && !strings.EqualFold(a, "Basic") && !strings.EqualFold(a, "Digest") {
		return fmt.Errorf("local authentication must be Basic or Digest")
	}
	return nil
}

// SSLVerifyEnabled reports whether ACS certificate verification is on.
func (c *ACSConfig) SSLVerifyEnabled() bool {
	return c.SSLVerify != "disabled"
}

// AuthBasic reports whether the connection-request listener uses Basic auth
// instead of Digest.
func (c *LocalConfig) AuthBasic() bool {
	return strings.EqualFold(c.Authentication, "Basic")
}

// PeriodicTimeUTC parses acs.periodic_time as UTC. The trailing 'Z' is
// optional; the zero time is returned when the option is unset or malformed.
func (c *ACSConfig) PeriodicTimeUTC() time.Time {
	s := strings.TrimSuffix(c.PeriodicTime, "Z")
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
