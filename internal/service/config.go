package service

import "time"

// Config holds the engine settings shared by the dispatcher and the
// lifecycle services.
type Config struct {
	DefaultMaxParallel int
	DefaultMaxRetries  int
	SubtaskTimeout     time.Duration // no progress for this long fails the attempt
	ExecutionTimeout   time.Duration // 0 disables the global deadline
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	BranchPrefix       string
	SweepInterval      time.Duration
	StatusInterval     time.Duration
	StartTimeout       time.Duration // bound on a single WorkerClient.Start call
	StopTimeout        time.Duration
	GateTimeout        time.Duration // bound on one completion gate decision; 0 disables
	CallbackAddress    string        // address workers call back to
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxParallel: 5,
		DefaultMaxRetries:  2,
		SubtaskTimeout:     time.Hour,
		RetryBaseDelay:     30 * time.Second,
		RetryMaxDelay:      10 * time.Minute,
		BranchPrefix:       "team",
		SweepInterval:      30 * time.Second,
		StatusInterval:     time.Minute,
		StartTimeout:       30 * time.Second,
		StopTimeout:        10 * time.Second,
		GateTimeout:        10 * time.Minute,
		CallbackAddress:    "localhost:50051",
	}
}

func (c Config) retryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: c.RetryBaseDelay, MaxDelay: c.RetryMaxDelay}
}
