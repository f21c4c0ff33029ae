package queues

// DefaultDeadLetterSuffix is appended to a result queue name to form its dead-letter queue
const DefaultDeadLetterSuffix = "_DLQ"

// Config holds queue name overrides and dead-letter settings
type Config struct {
	// Names maps logical names to physical queue names (yaml "names")
	Names      map[Name]string  `yaml:"names"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
}

// DeadLetterConfig controls dead-letter routing for result queues.
// Result queues are dead-lettered unless Disabled is set, so every declarer
// agrees on the queue arguments even without a configuration file.
type DeadLetterConfig struct {
	Disabled bool   `yaml:"disabled" env:"QUEUES_DEAD_LETTER_DISABLED"`
	Suffix   string `yaml:"suffix" env:"QUEUES_DEAD_LETTER_SUFFIX"`
}

func (c *Config) applyDefaults() {
	if c.DeadLetter.Suffix == "" {
		c.DeadLetter.Suffix = DefaultDeadLetterSuffix
	}
}
