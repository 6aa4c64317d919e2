package indexing

import "time"

// Config 索引任务控制器配置
type Config struct {
	Workers          int           `json:"workers"`
	QueueSize        int           `json:"queue_size"`
	MaxRetries       int           `json:"max_retries"`
	RetryBackoff     time.Duration `json:"retry_backoff"`
	BatchSize        int           `json:"batch_size"`
	BatchConcurrency int           `json:"batch_concurrency"`
	JobTimeout       time.Duration `json:"job_timeout"`
	LeaseTTL         time.Duration `json:"lease_ttl"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        256,
		MaxRetries:       3,
		RetryBackoff:     2 * time.Second,
		BatchSize:        32,
		BatchConcurrency: 4,
		JobTimeout:       10 * time.Minute,
		LeaseTTL:         5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = d.BatchConcurrency
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	return c
}

// backoff 第 n 次重试前的等待（指数增长，上限 5 分钟）
func (c Config) backoff(retry int) time.Duration {
	d := c.RetryBackoff
	for i := 0; i < retry && d < 5*time.Minute; i++ {
		d *= 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
