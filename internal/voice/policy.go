package voice

import "time"

// Policy tunes reconnect behaviour.
type Policy struct {
	// MaxRejoinAttempts bounds consecutive rejoins without reaching Ready.
	MaxRejoinAttempts int `mapstructure:"max_rejoin_attempts" yaml:"max_rejoin_attempts"`
	// BackoffStep is multiplied by the attempt number before each rejoin.
	BackoffStep time.Duration `mapstructure:"backoff_step" yaml:"backoff_step"`
	// ForcedCloseCode marks a move or kick; it is not retried.
	ForcedCloseCode int `mapstructure:"forced_close_code" yaml:"forced_close_code"`
	// RecoveryWindow is how long a forced close may take to start a new
	// handshake before the connection is destroyed.
	RecoveryWindow time.Duration `mapstructure:"recovery_window" yaml:"recovery_window"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRejoinAttempts: 5,
		BackoffStep:       5 * time.Second,
		ForcedCloseCode:   4014,
		RecoveryWindow:    5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxRejoinAttempts <= 0 {
		p.MaxRejoinAttempts = def.MaxRejoinAttempts
	}
	if p.BackoffStep <= 0 {
		p.BackoffStep = def.BackoffStep
	}
	if p.ForcedCloseCode == 0 {
		p.ForcedCloseCode = def.ForcedCloseCode
	}
	if p.RecoveryWindow <= 0 {
		p.RecoveryWindow = def.RecoveryWindow
	}
	return p
}

// Backoff returns the delay before rejoin attempt n (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * p.BackoffStep
}
