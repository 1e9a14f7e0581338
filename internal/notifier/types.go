package notifier

import "time"

// Config controls outbound delivery.
type Config struct {
	// RatePerSec bounds sends across all chats.
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// Workers and QueueSize size the async queue used for admin alerts.
	Workers   int
	QueueSize int
	// DedupWindow suppresses identical queued texts to the same chat.
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}
