// Package deployment implements the Deployment Client: per-endpoint
// runtime state, utilization accounting, and the pluggable inference
// client that actually talks to Azure OpenAI.
package deployment

import "time"

// Config is the immutable configuration of one Azure OpenAI deployment.
type Config struct {
	// Name uniquely identifies the deployment within a Switchboard.
	Name string `yaml:"name"`
	// APIBase is the Azure OpenAI resource base URL, e.g.
	// "https://my-resource.openai.azure.com".
	APIBase string `yaml:"api_base"`
	// APIKey is the Azure OpenAI API key.
	APIKey string `yaml:"api_key"`
	// APIVersion is the Azure OpenAI REST API version.
	APIVersion string `yaml:"api_version"`
	// Timeout bounds a single request's wall-clock time. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`
	// TPMRatelimit and RPMRatelimit are the deployment's provisioned
	// tokens-per-minute and requests-per-minute limits. Zero means
	// unlimited.
	TPMRatelimit int `yaml:"tpm_ratelimit"`
	RPMRatelimit int `yaml:"rpm_ratelimit"`
	// HealthcheckInterval is the minimum spacing between this deployment's
	// Probe calls: Probe waits on a limiter of one token per interval.
	// Defaults to 10s. The supervisor's own probe interval is set
	// separately on the Switchboard and is not copied into this field.
	HealthcheckInterval time.Duration `yaml:"healthcheck_interval"`
	// CooldownPeriod is the default cooldown duration used when none is
	// specified explicitly to Cooldown.
	CooldownPeriod time.Duration `yaml:"cooldown_period"`
	// MaxInnerAttempts bounds the DC's own transient-retry loop, distinct
	// from the Switchboard's outer failover attempt count. Defaults to 2
	// (one retry beyond the initial attempt).
	MaxInnerAttempts int `yaml:"max_inner_attempts"`
}

const (
	defaultTimeout             = 30 * time.Second
	defaultCooldownPeriod      = 60 * time.Second
	defaultAPIVersion          = "2024-10-21"
	defaultMaxInnerAttempts    = 2
	defaultHealthcheckInterval = 10 * time.Second
)

// withDefaults returns a copy of cfg with zero-valued fields replaced by
// package defaults.
func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = defaultCooldownPeriod
	}
	if c.APIVersion == "" {
		c.APIVersion = defaultAPIVersion
	}
	if c.MaxInnerAttempts <= 0 {
		c.MaxInnerAttempts = defaultMaxInnerAttempts
	}
	if c.HealthcheckInterval <= 0 {
		c.HealthcheckInterval = defaultHealthcheckInterval
	}
	return c
}
