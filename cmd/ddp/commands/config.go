package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AddCommonFlags adds the flags shared by every command that reads the
// config.
func AddCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Also write logs to this file")
}

// AddClientFlags adds the flags of the commands that connect to a server.
func AddClientFlags(cmd *cobra.Command) {
	AddCommonFlags(cmd)
	cmd.Flags().StringP("url", "u", _config.URL, "Application URL of the server")
	cmd.Flags().StringP("encapsulation", "e", _config.Encapsulation, "raw or sockjs")
	cmd.Flags().DurationP("timeout", "t", _config.DialTimeout, "Dial and handshake timeout")
	cmd.Flags().Duration("retry-delay", _config.RetryDelay, "Delay before the first reconnection")
	cmd.Flags().Duration("max-retry-delay", _config.MaxRetryDelay, "Maximum delay between reconnections")
	cmd.Flags().Duration("heartbeat", _config.HeartbeatInterval, "Interval between client pings, 0 to disable")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"ddp.DataDir":       _config.DataDir,
		"ddp.LogLevel":      _config.LogLevel,
		"ddp.BindAddr":      _config.BindAddr,
		"ddp.TCPAddr":       _config.TCPAddr,
		"ddp.ServiceAddr":   _config.ServiceAddr,
		"ddp.NoService":     _config.NoService,
		"ddp.URL":           _config.URL,
		"ddp.Encapsulation": _config.Encapsulation,
		"ddp.RetryDelay":    _config.RetryDelay,
		"ddp.Store":         _config.Store,
		"ddp.Collections":   _config.Collections,
	}

	if _config.Store {
		logFields["ddp.DatabaseDir"] = _config.DatabaseDir
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/ddp.toml (.json, .yaml also work)
	viper.SetConfigName("ddp")           // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
