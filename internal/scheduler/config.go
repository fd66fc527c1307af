package scheduler

import (
	"time"
)

// Config controls which recovery jobs run and how long each may take.
type Config struct {
	EnabledJobs []string
	JobTimeout  time.Duration
	// JobLockTTL bounds how long another replica is kept off a job after a crash.
	JobLockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		JobTimeout: 30 * time.Second,
		JobLockTTL: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.JobLockTTL <= 0 {
		c.JobLockTTL = defaults.JobLockTTL
	}
	return c
}
