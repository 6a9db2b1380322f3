// Package config defines the configuration of the ddp command.
//
// Every option can be set with a command line flag, or in an optional config
// file in the data directory (Config.DataDir):
//
//	ddp.toml // or ddp.json, ddp.yaml
//
// Flags take precedence over the file. When Store is set, collections are kept
// in a Badger database under DatabaseDir, which defaults to badger_db inside
// the data directory.
package config
