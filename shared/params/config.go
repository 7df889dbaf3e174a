// Package params defines the runtime configuration of the approval service
// with a default configuration that can be overridden at startup, either
// programmatically or from a YAML file.
package params

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// ApprovalServiceConfig contains tunables for the version approval core.
type ApprovalServiceConfig struct {
	// Consensus.
	DefaultThresholdPercent float64 `yaml:"default-threshold-percent"` // Used when a request does not specify one.

	// Sweepers.
	ExpirySweepInterval  int `yaml:"expiry-sweep-interval"`  // Seconds between expiry sweeps of pending requests.
	ArchiveSweepInterval int `yaml:"archive-sweep-interval"` // Seconds between archive sweeps of terminal versions.

	// Webhook delivery.
	WebhookQueueCapacity int `yaml:"webhook-queue-capacity"` // Bounded dispatch queue size.
	WebhookWorkers       int `yaml:"webhook-workers"`        // Worker goroutines draining the queue.
	WebhookMaxRetries    int `yaml:"webhook-max-retries"`    // Retries after the first attempt.
	WebhookTimeoutSecs   int `yaml:"webhook-timeout"`        // Per-attempt HTTP timeout in seconds.
	WebhookDrainSecs     int `yaml:"webhook-drain-deadline"` // Queue drain deadline on shutdown in seconds.

	// Persistence.
	TxnRetries int `yaml:"txn-retries"` // Inline retries on transient store conflicts.
}

// DefaultApprovalServiceConfig returns the default service configuration.
func DefaultApprovalServiceConfig() *ApprovalServiceConfig {
	return &ApprovalServiceConfig{
		DefaultThresholdPercent: 66.67,
		ExpirySweepInterval:     60,
		ArchiveSweepInterval:    3600,
		WebhookQueueCapacity:    10000,
		WebhookWorkers:          5,
		WebhookMaxRetries:       3,
		WebhookTimeoutSecs:      30,
		WebhookDrainSecs:        10,
		TxnRetries:              1,
	}
}

var approvalServiceConfig = DefaultApprovalServiceConfig()

// ApprovalConfig retrieves the current service configuration.
func ApprovalConfig() *ApprovalServiceConfig {
	return approvalServiceConfig
}

// OverrideApprovalConfig replaces the current service configuration.
func OverrideApprovalConfig(c *ApprovalServiceConfig) {
	approvalServiceConfig = c
}

// LoadConfigFile overrides the current configuration with values from a
// YAML file. Fields absent from the file keep their defaults.
func LoadConfigFile(path string) error {
	yamlFile, err := ioutil.ReadFile(path) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "failed to read approval config file")
	}
	conf := DefaultApprovalServiceConfig()
	if err := yaml.Unmarshal(yamlFile, conf); err != nil {
		return errors.Wrap(err, "failed to unmarshal approval config file")
	}
	OverrideApprovalConfig(conf)
	return nil
}
