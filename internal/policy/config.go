package policy

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Mode    Mode `mapstructure:"mode" yaml:"mode"`

	// Path to a directory of .rego files. Empty uses the embedded safety policy.
	Path string `mapstructure:"policy_dir" yaml:"policy_dir"`

	// FailClosed denies requests when policies cannot be loaded or evaluated.
	FailClosed bool `mapstructure:"fail_closed" yaml:"fail_closed"`
}

// DefaultConfig enforces the embedded policy and fails open.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Mode:    ModeEnforce,
	}
}
