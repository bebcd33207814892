package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	SpeedTest SpeedTestConfig `mapstructure:"speed_test"`
	API       APIConfig       `mapstructure:"api"`
	Log       LogConfig       `mapstructure:"log"`
}

type SpeedTestConfig struct {
	// TraceURL is probed with a single HEAD request to measure latency
	TraceURL string `mapstructure:"trace_url"`
	// DownloadURL streams the number of bytes given in BytesParam
	DownloadURL string `mapstructure:"download_url"`
	BytesParam  string `mapstructure:"bytes_param"`
	// TestSizes are downloaded in order, one request per size
	TestSizes       []string      `mapstructure:"test_sizes"`
	LiveUpdateAfter time.Duration `mapstructure:"live_update_after"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UploadRatioMin  float64       `mapstructure:"upload_ratio_min"`
	UploadRatioMax  float64       `mapstructure:"upload_ratio_max"`
	AutoStart       bool          `mapstructure:"auto_start"`
}

type APIConfig struct {
	Enabled bool       `mapstructure:"enabled"`
	Listen  string     `mapstructure:"listen"`
	Auth    AuthConfig `mapstructure:"auth"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/netspeed")
		v.AddConfigPath(".")
	}

	// NETSPEED_SPEED_TEST_TRACE_URL -> speed_test.trace_url
	v.SetEnvPrefix("NETSPEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Comma separated lists are trimmed; NETSPEED_TEST_SIZES is a short alias
	for _, key := range []string{"NETSPEED_SPEED_TEST_TEST_SIZES", "NETSPEED_TEST_SIZES"} {
		if sizes := os.Getenv(key); sizes != "" {
			v.Set("speed_test.test_sizes", splitList(sizes))
			break
		}
	}
	if token := os.Getenv("NETSPEED_API_TOKEN"); token != "" {
		v.Set("api.auth.token", token)
	}

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.resolveAPIToken(); err != nil {
		return nil, fmt.Errorf("failed to resolve API token: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("speed_test.trace_url", "https://www.cloudflare.com/cdn-cgi/trace")
	v.SetDefault("speed_test.download_url", "https://speed.cloudflare.com/__down")
	v.SetDefault("speed_test.bytes_param", "bytes")
	v.SetDefault("speed_test.test_sizes", []string{"1MB", "2MB", "5MB"})
	v.SetDefault("speed_test.live_update_after", "100ms")
	v.SetDefault("speed_test.request_timeout", "30s")
	v.SetDefault("speed_test.upload_ratio_min", 0.1)
	v.SetDefault("speed_test.upload_ratio_max", 0.3)
	v.SetDefault("speed_test.auto_start", true)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("api.auth.token", "")
	v.SetDefault("api.auth.token_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveAPIToken reads the API token from file if one is configured
func (c *Config) resolveAPIToken() error {
	if c.API.Auth.Token != "" || c.API.Auth.TokenFile == "" {
		return nil
	}

	tokenBytes, err := os.ReadFile(c.API.Auth.TokenFile)
	if err != nil {
		return fmt.Errorf("failed to read API token file %s: %w", c.API.Auth.TokenFile, err)
	}

	c.API.Auth.Token = strings.TrimSpace(string(tokenBytes))
	if c.API.Auth.Token == "" {
		return fmt.Errorf("API token file %s is empty", c.API.Auth.TokenFile)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	st := c.SpeedTest

	if err := validateHTTPURL("trace_url", st.TraceURL); err != nil {
		return err
	}
	if err := validateHTTPURL("download_url", st.DownloadURL); err != nil {
		return err
	}
	if st.BytesParam == "" {
		return fmt.Errorf("bytes_param must not be empty")
	}

	if len(st.TestSizes) == 0 {
		return fmt.Errorf("at least one test size is required")
	}
	for _, size := range st.TestSizes {
		n, err := ParseSize(size)
		if err != nil {
			return err
		}
		if n <= 0 {
			return fmt.Errorf("test size %q must be positive", size)
		}
	}

	if st.LiveUpdateAfter <= 0 {
		return fmt.Errorf("live update interval must be positive")
	}
	if st.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	if st.UploadRatioMin < 0 || st.UploadRatioMin >= st.UploadRatioMax {
		return fmt.Errorf("upload ratio range [%g, %g) is invalid", st.UploadRatioMin, st.UploadRatioMax)
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api listen address is required when the API is enabled")
	}
	if c.API.Auth.Enabled && c.API.Auth.Token == "" {
		return fmt.Errorf("API token is required when auth is enabled")
	}

	return nil
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %q", name, raw)
	}
	return nil
}

// ParseSize converts a size string such as "5MB" to bytes.
// Suffixes are binary multiples, so "1MB" is 1 MiB.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.ToUpper(strings.TrimSpace(sizeStr))

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(sizeStr, "MB") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(sizeStr, "MB")
	} else if strings.HasSuffix(sizeStr, "KB") {
		multiplier = 1024
		numStr = strings.TrimSuffix(sizeStr, "KB")
	} else if strings.HasSuffix(sizeStr, "GB") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(sizeStr, "GB")
	} else {
		// Assume bytes if no suffix
		numStr = sizeStr
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid test size format: %s", sizeStr)
	}
	if num > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("test size too large: %s", sizeStr)
	}

	return num * multiplier, nil
}
