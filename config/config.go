// Package config resolves runtime settings for each subcommand.
//
// Precedence, highest first: command-line flags, MARKETFEED_* environment
// variables (a .env file in the working directory is loaded into the
// environment first), an optional config file (--config) and the defaults
// from the constants package.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"marketfeed/constants"
	"marketfeed/generator"
	"marketfeed/reader"
	"marketfeed/shm"
	"marketfeed/types"
)

// Subcommands.
const (
	CmdPublish    = "publish"
	CmdShmConsume = "shm-consume"
	CmdTCPConsume = "tcp-consume"
)

// EnvPrefix prefixes every environment key: tcp.addr is MARKETFEED_TCP_ADDR.
const EnvPrefix = "MARKETFEED"

// Config holds every setting; each subcommand reads the sections it needs.
type Config struct {
	Command   string          `mapstructure:"-"`
	Log       LogConfig       `mapstructure:"log"`
	Shm       ShmConfig       `mapstructure:"shm"`
	TCP       TCPConfig       `mapstructure:"tcp"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Reader    ReaderConfig    `mapstructure:"reader"`
	Report    ReportConfig    `mapstructure:"report"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// LogConfig selects the zap level ("debug", "info", "warn", "error") and
// the development console encoder.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ShmConfig names the shared segment. "/market_data_shm" and
// "market_data_shm" both map to /dev/shm/market_data_shm.
type ShmConfig struct {
	Name string `mapstructure:"name"`
}

// TCPConfig covers both ends of the broadcast channel.
//
// Fields:
//   - Listen, SendBuffer, QueueDepth, WriteTimeout: publisher sessions
//   - Addr, ReadTimeout: stream reader
//   - RecvBuffer: SO_RCVBUF on the stream reader and on publisher sessions
//   - KeepAlive: idle period before probes on publisher sessions
//
// Zero buffers keep the OS defaults; zero timeouts wait forever.
type TCPConfig struct {
	Listen       string        `mapstructure:"listen"`
	Addr         string        `mapstructure:"addr"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RecvBuffer   int           `mapstructure:"recv_buffer"`
	KeepAlive    time.Duration `mapstructure:"keepalive"`
	QueueDepth   int           `mapstructure:"queue_depth"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
}

// PublisherConfig paces the distributor and bounds the price model.
// A zero Count runs until interrupted; a negative CPU disables pinning.
type PublisherConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Instrument    string        `mapstructure:"instrument"`
	CPU           int           `mapstructure:"cpu"`
	ProgressEvery uint64        `mapstructure:"progress_every"`
	Count         uint64        `mapstructure:"count"`
	MidLow        float64       `mapstructure:"mid_low"`
	MidHigh       float64       `mapstructure:"mid_high"`
	SpreadLow     float64       `mapstructure:"spread_low"`
	SpreadHigh    float64       `mapstructure:"spread_high"`
}

// ReaderConfig tunes both reader loops. Mode ("spin" or "sleep") and Sleep
// apply to the shared-memory reader only.
type ReaderConfig struct {
	Mode  string        `mapstructure:"mode"`
	Sleep time.Duration `mapstructure:"sleep"`
	CPU   int           `mapstructure:"cpu"`
}

// ReportConfig names the sqlite database run summaries are appended to.
// Empty disables storage; the summary is still printed.
type ReportConfig struct {
	SQLite string `mapstructure:"sqlite"`
}

// RedisConfig enables the publisher's snapshot sink when Addr is set.
type RedisConfig struct {
	Addr          string        `mapstructure:"addr"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Generator returns the price model settings.
func (c *Config) Generator() generator.Config {
	return generator.Config{
		Instrument: c.Publisher.Instrument,
		MidLow:     c.Publisher.MidLow,
		MidHigh:    c.Publisher.MidHigh,
		SpreadLow:  c.Publisher.SpreadLow,
		SpreadHigh: c.Publisher.SpreadHigh,
	}
}

// ReaderMode returns the parsed polling mode.
func (c *Config) ReaderMode() reader.Mode {
	m, _ := reader.ParseMode(c.Reader.Mode)
	return m
}

// keys lists every setting so each one gets an environment binding.
var keys = []string{
	"log.level", "log.development",
	"shm.name",
	"tcp.listen", "tcp.addr", "tcp.send_buffer", "tcp.recv_buffer", "tcp.keepalive",
	"tcp.queue_depth", "tcp.write_timeout", "tcp.read_timeout",
	"publisher.interval", "publisher.instrument", "publisher.cpu", "publisher.progress_every",
	"publisher.count", "publisher.mid_low", "publisher.mid_high", "publisher.spread_low",
	"publisher.spread_high",
	"reader.mode", "reader.sleep", "reader.cpu",
	"report.sqlite",
	"redis.addr", "redis.flush_interval",
}

func setDefaults(v *viper.Viper, cmd string) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("shm.name", constants.SegmentName)

	v.SetDefault("tcp.listen", constants.ListenAddr)
	v.SetDefault("tcp.addr", constants.DialAddr)
	v.SetDefault("tcp.send_buffer", constants.SocketBuffer)
	v.SetDefault("tcp.recv_buffer", constants.SocketBuffer)
	v.SetDefault("tcp.keepalive", constants.KeepAlive)
	v.SetDefault("tcp.queue_depth", constants.SessionQueue)
	v.SetDefault("tcp.write_timeout", time.Duration(0))
	v.SetDefault("tcp.read_timeout", time.Duration(0))

	v.SetDefault("publisher.interval", constants.PublishInterval)
	v.SetDefault("publisher.instrument", constants.DefaultInstrument)
	v.SetDefault("publisher.cpu", constants.PublisherCPU)
	v.SetDefault("publisher.progress_every", constants.ProgressEvery)
	v.SetDefault("publisher.count", 0)
	v.SetDefault("publisher.mid_low", constants.MidLow)
	v.SetDefault("publisher.mid_high", constants.MidHigh)
	v.SetDefault("publisher.spread_low", constants.SpreadLow)
	v.SetDefault("publisher.spread_high", constants.SpreadHigh)

	v.SetDefault("reader.mode", "sleep")
	v.SetDefault("reader.sleep", constants.SleepInterval)
	if cmd == CmdTCPConsume {
		v.SetDefault("reader.cpu", constants.TCPReaderCPU)
	} else {
		v.SetDefault("reader.cpu", constants.ShmReaderCPU)
	}

	v.SetDefault("report.sqlite", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.flush_interval", constants.SnapshotFlush)
}

// ============================================================================
// FLAGS
// ============================================================================

// binding ties one flag to one key.
type binding struct {
	flag string
	key  string
}

// newFlagSet declares the flags of cmd and returns them with their keys.
func newFlagSet(cmd string) (*pflag.FlagSet, []binding, error) {
	flags := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	flags.SortFlags = false
	var binds []binding
	bind := func(flag, key string) { binds = append(binds, binding{flag, key}) }

	flags.String("config", "", "optional config file (yaml, toml or json)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	bind("log-level", "log.level")
	flags.Bool("log-dev", false, "human-readable development logging")
	bind("log-dev", "log.development")

	switch cmd {
	case CmdPublish:
		flags.String("shm-name", constants.SegmentName, "shared segment name")
		bind("shm-name", "shm.name")
		flags.String("listen", constants.ListenAddr, "TCP listen address")
		bind("listen", "tcp.listen")
		flags.Int("send-buffer", constants.SocketBuffer, "per-session send buffer in bytes")
		bind("send-buffer", "tcp.send_buffer")
		flags.Int("queue-depth", constants.SessionQueue, "frames queued per session before dropping")
		bind("queue-depth", "tcp.queue_depth")
		flags.Duration("interval", constants.PublishInterval, "pause between ticks")
		bind("interval", "publisher.interval")
		flags.String("instrument", constants.DefaultInstrument, "instrument to quote")
		bind("instrument", "publisher.instrument")
		flags.Int("cpu", constants.PublisherCPU, "CPU to pin the publish loop to (-1 disables)")
		bind("cpu", "publisher.cpu")
		flags.Uint64("count", 0, "stop after this many ticks (0 runs until interrupted)")
		bind("count", "publisher.count")
		flags.Uint64("progress-every", constants.ProgressEvery, "ticks between progress lines (0 disables)")
		bind("progress-every", "publisher.progress_every")
		flags.String("redis-addr", "", "Redis address for last-quote snapshots (empty disables)")
		bind("redis-addr", "redis.addr")

	case CmdShmConsume:
		flags.String("shm-name", constants.SegmentName, "shared segment name")
		bind("shm-name", "shm.name")
		flags.String("mode", "sleep", "polling mode: spin or sleep")
		bind("mode", "reader.mode")
		flags.BoolP("busy-wait", "b", false, "shorthand for --mode=spin")
		flags.Duration("sleep", constants.SleepInterval, "back-off between empty polls in sleep mode")
		bind("sleep", "reader.sleep")
		flags.Int("cpu", constants.ShmReaderCPU, "CPU to pin the reader to (-1 disables)")
		bind("cpu", "reader.cpu")
		flags.String("report-sqlite", "", "sqlite database for run summaries (empty disables)")
		bind("report-sqlite", "report.sqlite")

	case CmdTCPConsume:
		flags.String("addr", constants.DialAddr, "broadcast server address")
		bind("addr", "tcp.addr")
		flags.Int("recv-buffer", constants.SocketBuffer, "receive buffer in bytes")
		bind("recv-buffer", "tcp.recv_buffer")
		flags.Duration("read-timeout", 0, "give up after this long without data (0 waits forever)")
		bind("read-timeout", "tcp.read_timeout")
		flags.Int("cpu", constants.TCPReaderCPU, "CPU to pin the reader to (-1 disables)")
		bind("cpu", "reader.cpu")
		flags.String("report-sqlite", "", "sqlite database for run summaries (empty disables)")
		bind("report-sqlite", "report.sqlite")

	default:
		return nil, nil, fmt.Errorf("config: unknown command %q", cmd)
	}
	return flags, binds, nil
}

// Usage returns the flag help for cmd.
func Usage(cmd string) string {
	flags, _, err := newFlagSet(cmd)
	if err != nil {
		return ""
	}
	return flags.FlagUsages()
}

// ============================================================================
// LOADING
// ============================================================================

// Load resolves the configuration of cmd from args, the environment, an
// optional config file and defaults. It returns pflag.ErrHelp for -h.
func Load(cmd string, args []string) (*Config, error) {
	flags, binds, err := newFlagSet(cmd)
	if err != nil {
		return nil, err
	}
	flags.Usage = func() {}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("config: unexpected arguments %v", flags.Args())
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, cmd)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	for _, b := range binds {
		if err := v.BindPFlag(b.key, flags.Lookup(b.flag)); err != nil {
			return nil, fmt.Errorf("config: bind flag %s: %w", b.flag, err)
		}
	}
	if busy, _ := flags.GetBool("busy-wait"); busy {
		v.Set("reader.mode", "spin")
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Command = cmd

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, err := shm.Path(c.Shm.Name); err != nil {
		errs = append(errs, err)
	}
	if _, err := reader.ParseMode(c.Reader.Mode); err != nil {
		errs = append(errs, err)
	}
	if err := c.Generator().Validate(); err != nil {
		errs = append(errs, err)
	}

	inst := types.NewInstrument(c.Publisher.Instrument)
	check(c.Publisher.Instrument != "" && len(c.Publisher.Instrument) <= types.MaxInstrumentLen && inst.Valid(),
		"config: publisher.instrument %q must be 1-%d printable bytes without quotes or backslashes",
		c.Publisher.Instrument, types.MaxInstrumentLen)

	check(c.TCP.QueueDepth > 0, "config: tcp.queue_depth must be positive, got %d", c.TCP.QueueDepth)
	check(c.TCP.SendBuffer >= 0, "config: tcp.send_buffer must not be negative")
	check(c.TCP.RecvBuffer >= 0, "config: tcp.recv_buffer must not be negative")
	check(c.TCP.KeepAlive >= 0, "config: tcp.keepalive must not be negative")
	check(c.TCP.WriteTimeout >= 0, "config: tcp.write_timeout must not be negative")
	check(c.TCP.ReadTimeout >= 0, "config: tcp.read_timeout must not be negative")
	check(c.Publisher.Interval >= 0, "config: publisher.interval must not be negative")
	check(c.Reader.Sleep >= 0, "config: reader.sleep must not be negative")
	check(c.Redis.FlushInterval > 0, "config: redis.flush_interval must be positive")

	return errors.Join(errs...)
}
