// Package config loads the TOML configuration consumed by the mi7-agent
// and mi7-worker binaries, following AlephTX-aleph-tx's feeder/config
// package for the go-toml/v2 load idiom. Sections cover shared memory,
// queue/mailbox, and worker settings; Config.Validate checks the pipe,
// mailbox, and worker sections together.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/mi7io/mi7/internal/logging"
	"github.com/mi7io/mi7/pkg/mailbox"
	"github.com/mi7io/mi7/pkg/slotpipe"
)

func mailboxMiB(n int) datasize.ByteSize {
	return datasize.ByteSize(n) * datasize.MB
}

// Config is the top-level configuration for both binaries. Only the
// sections relevant to a given process need to be populated; mi7-agent
// reads Pipe/Mailbox/Scheduler, mi7-worker reads Pipe/Mailbox/Worker.
type Config struct {
	Pipe      PipeConfig      `toml:"pipe"`
	Mailbox   MailboxConfig   `toml:"mailbox"`
	Worker    WorkerConfig    `toml:"worker"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Logging   logging.Config  `toml:"logging"`
}

// PipeConfig names the slot pipe segment and selects its profile.
type PipeConfig struct {
	// Name is the POSIX shared-memory segment name; must start with "/".
	Name string `toml:"name"`
	// Profile is one of "small", "default", "large", or "custom". Empty
	// defaults to "default".
	Profile string `toml:"profile"`
	// Capacity and SlotSize apply only when Profile is "custom".
	Capacity int `toml:"capacity"`
	SlotSize int `toml:"slot_size"`
}

// Resolve turns a PipeConfig into a concrete slotpipe.Profile.
func (c PipeConfig) Resolve() (slotpipe.Profile, error) {
	switch c.Profile {
	case "", "default":
		return slotpipe.DefaultProfile(), nil
	case "small":
		return slotpipe.SmallProfile(), nil
	case "large":
		return slotpipe.LargeProfile(), nil
	case "custom":
		if c.Capacity <= 0 || c.SlotSize <= 0 {
			return slotpipe.Profile{}, fmt.Errorf("config: custom pipe profile requires positive capacity and slot_size")
		}
		return slotpipe.CustomProfile(c.Capacity, c.SlotSize), nil
	default:
		return slotpipe.Profile{}, fmt.Errorf("config: unknown pipe profile %q", c.Profile)
	}
}

// MailboxSizeClass is one entry of the mailbox's per-size-class count
// table.
type MailboxSizeClass struct {
	SizeMB int `toml:"size_mb"`
	Count  int `toml:"count"`
}

// MailboxConfig names the mailbox segment and its size-class table.
type MailboxConfig struct {
	Name    string             `toml:"name"`
	Classes []MailboxSizeClass `toml:"classes"`
}

// Resolve turns the configured size-class table into mailbox.SizeClass
// values.
func (c MailboxConfig) Resolve() ([]mailbox.SizeClass, error) {
	if len(c.Classes) == 0 {
		return nil, fmt.Errorf("config: mailbox requires at least one size class")
	}

	classes := make([]mailbox.SizeClass, 0, len(c.Classes))
	for _, entry := range c.Classes {
		if entry.SizeMB <= 0 {
			return nil, fmt.Errorf("config: mailbox size class must be a positive MiB value, got %d", entry.SizeMB)
		}
		if entry.Count < 0 {
			return nil, fmt.Errorf("config: mailbox size class count cannot be negative, got %d", entry.Count)
		}
		classes = append(classes, mailbox.SizeClass{
			Size:  mailboxMiB(entry.SizeMB),
			Count: entry.Count,
		})
	}

	return classes, nil
}

// WorkerConfig configures the consumer-side binary's pool size and
// listener channel capacity.
type WorkerConfig struct {
	PoolSize        int `toml:"pool_size"`
	ChannelCapacity int `toml:"channel_capacity"`
}

// SchedulerConfig configures the producer-side scheduler's channel.
type SchedulerConfig struct {
	ChannelCapacity int `toml:"channel_capacity"`
}

// Load reads and parses a TOML config file at path. Before that, a ".env"
// file in the current working directory, if present, is loaded into the
// process environment; a missing .env file is not an error. The TOML
// values themselves are parsed as written, with no environment expansion.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: loading .env overlay: %w", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %q: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %q: %w", path, err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Worker.PoolSize <= 0 {
		c.Worker.PoolSize = 4
	}
	if c.Worker.ChannelCapacity <= 0 {
		c.Worker.ChannelCapacity = 64
	}
	if c.Scheduler.ChannelCapacity <= 0 {
		c.Scheduler.ChannelCapacity = 64
	}
	if c.Pipe.Name == "" {
		c.Pipe.Name = "/mi7-pipe"
	}
	if c.Mailbox.Name == "" {
		c.Mailbox.Name = "/mi7-mailbox"
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.Pipe.Name == "" || c.Pipe.Name[0] != '/' {
		return fmt.Errorf("config: pipe.name must start with '/', got %q", c.Pipe.Name)
	}
	if _, err := c.Pipe.Resolve(); err != nil {
		return err
	}

	if c.Mailbox.Name == "" || c.Mailbox.Name[0] != '/' {
		return fmt.Errorf("config: mailbox.name must start with '/', got %q", c.Mailbox.Name)
	}
	if _, err := c.Mailbox.Resolve(); err != nil {
		return err
	}

	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("config: worker.pool_size must be positive, got %d", c.Worker.PoolSize)
	}

	return nil
}
