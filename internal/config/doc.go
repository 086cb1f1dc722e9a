// Package config defines the updater settings and provides helpers to load,
// validate and save them.
//
// Settings are read from a YAML file through viper, so every key can also be
// overridden with an APPLIANCE_UPDATER_* environment variable, and written
// back with yaml.v3.
package config
