package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mosaicnetworks/ddp/src/common"
	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultConfigName is the name of the optional config file in the data
	// directory, without its extension.
	DefaultConfigName = "ddp"
)

// Default configuration values.
const (
	DefaultLogLevel          = "debug"
	DefaultBindAddr          = "127.0.0.1:3000"
	DefaultTCPAddr           = ""
	DefaultServiceAddr       = "127.0.0.1:8000"
	DefaultURL               = "http://127.0.0.1:3000"
	DefaultEncapsulation     = "raw"
	DefaultRetryDelay        = time.Second
	DefaultMaxRetryDelay     = 30 * time.Second
	DefaultHeartbeatInterval = 0
	DefaultDialTimeout       = 10 * time.Second
	DefaultStore             = false
)

// Config contains all the configuration properties of a DDP server or client
// started from the command line.
type Config struct {
	// DataDir is the top-level directory containing the config file and the
	// database.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, receives a copy of every log entry.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is where the server accepts websocket connections, on /websocket
	// and /sockjs/.../websocket.
	BindAddr string `mapstructure:"listen"`

	// TCPAddr optionally accepts newline-framed sessions on a plain TCP
	// socket.
	TCPAddr string `mapstructure:"tcp-listen"`

	// NoService disables the HTTP status service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the status service (/stats,
	// /metrics).
	ServiceAddr string `mapstructure:"service-listen"`

	// Encapsulation is "raw" or "sockjs". Clients use it to pick the
	// websocket endpoint.
	Encapsulation string `mapstructure:"encapsulation"`

	// URL is the application URL clients connect to.
	URL string `mapstructure:"url"`

	// RetryDelay is the wait after the first failed connection attempt. The
	// delay doubles after every failure up to MaxRetryDelay.
	RetryDelay    time.Duration `mapstructure:"retry-delay"`
	MaxRetryDelay time.Duration `mapstructure:"max-retry-delay"`

	// HeartbeatInterval enables client pings when positive.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// DialTimeout bounds the dial and the handshake of every attempt.
	DialTimeout time.Duration `mapstructure:"timeout"`

	// Store activates persistent storage of the published collections.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Collections are published under their own name, with the
	// /<name>/insert, update and remove methods.
	Collections []string `mapstructure:"collections"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:           DefaultDataDir(),
		LogLevel:          DefaultLogLevel,
		BindAddr:          DefaultBindAddr,
		TCPAddr:           DefaultTCPAddr,
		ServiceAddr:       DefaultServiceAddr,
		Encapsulation:     DefaultEncapsulation,
		URL:               DefaultURL,
		RetryDelay:        DefaultRetryDelay,
		MaxRetryDelay:     DefaultMaxRetryDelay,
		HeartbeatInterval: DefaultHeartbeatInterval,
		DialTimeout:       DefaultDialTimeout,
		Store:             DefaultStore,
		DatabaseDir:       DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// ParsedEncapsulation validates Encapsulation.
func (c *Config) ParsedEncapsulation() (proto.Encapsulation, error) {
	return proto.ParseEncapsulation(c.Encapsulation)
}

// Logger returns a formatted logrus Entry, with prefix set to "ddp".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			c.logger.AddHook(lfshook.NewHook(c.LogFile, &logrus.JSONFormatter{}))
		}
	}
	return c.logger.WithField("prefix", "ddp")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level DDP config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".DDP")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "DDP")
		} else {
			return filepath.Join(home, ".ddp")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
