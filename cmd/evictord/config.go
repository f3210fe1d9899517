package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/skipor/evictor"
	"github.com/skipor/evictor/aof"
	"github.com/skipor/evictor/dispatch"
	"github.com/skipor/evictor/internal/util"
	"github.com/skipor/evictor/log"
	"github.com/skipor/evictor/store/redisstore"
)

type InputConfig struct {
	Port           int    `json:"port"`
	Host           string `json:"host"`
	LogDestination string `json:"log-destination"` // Stdout, stderr, or filepath.
	LogLevel       string `json:"log-level"`

	Mode     string `json:"mode"`     // background-save or transactional.
	Strategy string `json:"strategy"` // eviction or idle.
	Size     int    `json:"size"`

	Backend string `json:"backend"` // mem or redis.
	// Journal of mem backend. Empty means no persistence.
	Journal           string `json:"journal"`
	JournalSyncPeriod string `json:"journal-sync-period"`
	// Size values 10g, 128m, 1024k, 1000000b
	JournalRotateSize string `json:"journal-rotate-size"`
	RedisAddr         string `json:"redis-addr"`
	RedisPrefix       string `json:"redis-prefix"`

	MaxRetries       int    `json:"max-retries"`
	MetricsLogPeriod string `json:"metrics-log-period"`
}

func DefaultInputConfig() *InputConfig {
	return &InputConfig{
		Port:              8080,
		Host:              "",
		LogDestination:    "stderr",
		LogLevel:          "info",
		Mode:              evictor.BackgroundSave.String(),
		Strategy:          evictor.EvictionStrategy.String(),
		Size:              evictor.DefaultSize,
		Backend:           backendMem,
		JournalSyncPeriod: "1s",
		JournalRotateSize: "64m",
		RedisAddr:         "localhost:6379",
		RedisPrefix:       "evictor",
		MaxRetries:        dispatch.DefaultMaxRetries,
		MetricsLogPeriod:  "0s",
	}
}

const (
	backendMem   = "mem"
	backendRedis = "redis"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) command line value overrides any
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

type Config struct {
	Addr           string
	LogDestination io.Writer
	LogLevel       log.Level
	Evictor        evictor.Config
	Dispatch       dispatch.Config
	Backend        string
	// Journal is nil, if mem backend is not persistent.
	Journal          *aof.Config
	RedisAddr        string
	Redis            redisstore.Config
	MetricsLogPeriod time.Duration
}

// config parses command flags, reads config file if any, returns merged config.
func config() (*Config, error) {
	flg := parseFlags()
	fileConf, err := readConfig(flg.ConfigPath)
	if err != nil {
		return nil, err
	}
	util.MergeNonZero(fileConf, &flg.InputConfig)
	return parseConfig(fileConf)
}

// readConfig returns default config, overridden by config file values.
func readConfig(path string) (*InputConfig, error) {
	conf := DefaultInputConfig()
	if path == "" {
		return conf, nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config file read")
	}
	fileConf := &InputConfig{}
	err = json.Unmarshal(data, fileConf)
	if err != nil {
		return nil, errors.Wrap(err, "config parse")
	}
	util.MergeNonZero(conf, fileConf)
	return conf, nil
}

func parseConfig(in *InputConfig) (parsed *Config, err error) {
	parsed = &Config{}
	parsed.LogDestination, err = logDestination(in.LogDestination)
	if err != nil {
		return nil, errors.Wrap(err, "log destination open")
	}
	parsed.LogLevel, err = log.LevelFromString(in.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log level parse")
	}
	parsed.Evictor.Size = in.Size
	parsed.Evictor.Mode, err = evictor.ParseMode(in.Mode)
	if err != nil {
		return nil, err
	}
	if parsed.Evictor.Mode == evictor.BackgroundSave {
		parsed.Evictor.Strategy, err = evictor.ParseStrategy(in.Strategy)
		if err != nil {
			return nil, err
		}
	}
	err = parsed.Evictor.Validate()
	if err != nil {
		return nil, err
	}
	parsed.Dispatch = dispatch.DefaultConfig()
	parsed.Dispatch.MaxRetries = in.MaxRetries
	parsed.MetricsLogPeriod, err = time.ParseDuration(in.MetricsLogPeriod)
	if err != nil {
		return nil, errors.Wrap(err, "metrics log period parse")
	}

	parsed.Backend = strings.ToLower(in.Backend)
	switch parsed.Backend {
	case backendMem:
		if in.Journal == "" {
			break
		}
		j := &aof.Config{Name: in.Journal}
		j.SyncPeriod, err = time.ParseDuration(in.JournalSyncPeriod)
		if err != nil {
			return nil, errors.Wrap(err, "journal sync period parse")
		}
		j.RotateSize, err = parseSize(in.JournalRotateSize)
		if err != nil {
			return nil, errors.Wrap(err, "journal rotate size parse")
		}
		parsed.Journal = j
	case backendRedis:
		parsed.RedisAddr = in.RedisAddr
		parsed.Redis = redisstore.Config{Prefix: in.RedisPrefix}
	default:
		return nil, errors.Errorf("invalid backend %q", in.Backend)
	}
	parsed.Addr = net.JoinHostPort(in.Host, strconv.Itoa(in.Port))
	return
}

type Flags struct {
	ConfigPath string
	InputConfig
}

func parseFlags() Flags {
	var f Flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to json config")

	def := DefaultInputConfig()
	usage := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			usage += fmt.Sprintf(" (default %q)", defVal)
		} else {
			usage += fmt.Sprintf(" (default %v)", defVal)
		}
		return usage
	}
	flag.StringVar(&f.Host, "host", "", usage("host address to bind", def.Host))
	flag.IntVar(&f.Port, "port", 0, usage("port num", def.Port))
	flag.StringVar(&f.LogDestination, "log-destination", "", usage("log destination: stderr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", usage("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.StringVar(&f.Mode, "mode", "", usage("evictor mode: background-save, transactional", def.Mode))
	flag.StringVar(&f.Strategy, "strategy", "", usage("background save strategy: eviction, idle", def.Strategy))
	flag.IntVar(&f.Size, "size", 0, usage("cached servants per category, 0 for unbounded", def.Size))
	flag.StringVar(&f.Backend, "backend", "", usage("store backend: mem, redis", def.Backend))
	flag.StringVar(&f.Journal, "journal", "", usage("mem backend journal path, empty for no persistence", def.Journal))
	flag.StringVar(&f.JournalSyncPeriod, "journal-sync-period", "", usage("journal fsync period, less than 100ms means every commit", def.JournalSyncPeriod))
	flag.StringVar(&f.JournalRotateSize, "journal-rotate-size", "", usage("journal size, that triggers compaction: 64m, 1g", def.JournalRotateSize))
	flag.StringVar(&f.RedisAddr, "redis-addr", "", usage("redis address", def.RedisAddr))
	flag.StringVar(&f.RedisPrefix, "redis-prefix", "", usage("redis key prefix", def.RedisPrefix))
	flag.IntVar(&f.MaxRetries, "max-retries", 0, usage("deadlock retries limit", def.MaxRetries))
	flag.StringVar(&f.MetricsLogPeriod, "metrics-log-period", "", usage("period of metrics logging, 0 disables", def.MetricsLogPeriod))
	flag.Parse()
	return f
}

func parseSize(s string) (size int64, err error) {
	if len(s) < 2 {
		err = errors.New("invalid size format")
		return
	}
	sep := len(s) - 1
	sizeStr := s[:sep]
	exponentStr := s[sep:]
	var exponent uint32
	switch strings.ToLower(exponentStr) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		err = errors.New("invalid exponent: only 'b', 'k', 'm', 'g' allowed")
		return
	}
	size, err = strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		err = errors.Wrap(err, "size parse")
		return
	}
	size <<= exponent
	return
}

func logDestination(dest string) (w io.Writer, err error) {
	switch strings.ToLower(dest) {
	case "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		w, err = os.OpenFile(dest, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	}
	return
}
