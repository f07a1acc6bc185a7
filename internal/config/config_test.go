package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[pipe]
name = "/mi7-pipe"
profile = "small"

[mailbox]
name = "/mi7-mailbox"

[[mailbox.classes]]
size_mb = 1
count = 5

[[mailbox.classes]]
size_mb = 2
count = 3

[worker]
pool_size = 8
channel_capacity = 128
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mi7.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func Test_LoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, sampleTOML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/mi7-pipe", cfg.Pipe.Name)
	assert.Equal(t, "small", cfg.Pipe.Profile)
	assert.Equal(t, "/mi7-mailbox", cfg.Mailbox.Name)
	require.Len(t, cfg.Mailbox.Classes, 2)
	assert.Equal(t, 8, cfg.Worker.PoolSize)
	assert.Equal(t, 128, cfg.Worker.ChannelCapacity)
}

func Test_LoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, `
[pipe]
name = "/p"

[mailbox]
name = "/m"

[[mailbox.classes]]
size_mb = 1
count = 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.PoolSize)
	assert.Equal(t, 64, cfg.Worker.ChannelCapacity)
	assert.Equal(t, 64, cfg.Scheduler.ChannelCapacity)
}

func Test_LoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func Test_ValidateRejectsRelativePipeName(t *testing.T) {
	cfg := Config{
		Pipe:    PipeConfig{Name: "not-absolute"},
		Mailbox: MailboxConfig{Name: "/m", Classes: []MailboxSizeClass{{SizeMB: 1, Count: 1}}},
		Worker:  WorkerConfig{PoolSize: 1},
	}
	assert.Error(t, cfg.Validate())
}

func Test_ValidateRejectsEmptyMailboxClasses(t *testing.T) {
	cfg := Config{
		Pipe:    PipeConfig{Name: "/p"},
		Mailbox: MailboxConfig{Name: "/m"},
		Worker:  WorkerConfig{PoolSize: 1},
	}
	assert.Error(t, cfg.Validate())
}

func Test_PipeConfigResolveCustomProfile(t *testing.T) {
	c := PipeConfig{Profile: "custom", Capacity: 16, SlotSize: 256}
	p, err := c.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 16, p.Capacity)
	assert.Equal(t, 256, p.SlotSize)
}

func Test_PipeConfigResolveRejectsUnknownProfile(t *testing.T) {
	c := PipeConfig{Profile: "huge"}
	_, err := c.Resolve()
	assert.Error(t, err)
}

func Test_MailboxConfigResolveRejectsNonPositiveSize(t *testing.T) {
	c := MailboxConfig{Classes: []MailboxSizeClass{{SizeMB: 0, Count: 1}}}
	_, err := c.Resolve()
	assert.Error(t, err)
}
