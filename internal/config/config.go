// Package config loads the INI configuration file from the server base
// directory. Every path option defaults to a location under the base
// directory, so a bare directory with certificates is enough to start.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// DefaultMaxFilesize caps uploads when the config does not say otherwise (1 GiB).
const DefaultMaxFilesize = 0x40000000

// Config carries the effective server settings.
type Config struct {
	BaseDir    string
	ConfigFile string

	// [default]
	LogLevel      slog.Level
	LogFile       string
	Daemonize     bool
	DaemonDir     string
	PidFile       string
	UserDir       string
	UploadDir     string
	MsgDir        string
	KeyFile       string
	CertFile      string
	ServerDB      string
	RecvTimeout   time.Duration
	AcceptTimeout time.Duration

	// [server]
	Address string
	Port    int

	// [fileserver]
	FileServerEnabled bool
	FileServerPort    int
	MaxFilesize       int64
	DeleteFiles       bool

	// [audioserver]
	AudioServerEnabled bool
	AudioServerPort    int

	// [adminserver]
	AdminEnabled bool
	AdminPort    int
}

// Defaults returns the settings for a base directory before the config file
// is applied.
func Defaults(baseDir string) *Config {
	return &Config{
		BaseDir:    baseDir,
		ConfigFile: filepath.Join(baseDir, "config.txt"),

		LogLevel:      slog.LevelInfo,
		LogFile:       filepath.Join(baseDir, "log.txt"),
		DaemonDir:     "/",
		PidFile:       filepath.Join(baseDir, "retro_server.pid"),
		UserDir:       filepath.Join(baseDir, "users"),
		UploadDir:     filepath.Join(baseDir, "uploads"),
		MsgDir:        filepath.Join(baseDir, "msg"),
		KeyFile:       filepath.Join(baseDir, "certs", "key.pem"),
		CertFile:      filepath.Join(baseDir, "certs", "cert.pem"),
		ServerDB:      filepath.Join(baseDir, "server.db"),
		RecvTimeout:   10 * time.Second,
		AcceptTimeout: 3 * time.Second,

		Address: "0.0.0.0",
		Port:    8443,

		FileServerEnabled: false,
		FileServerPort:    8444,
		MaxFilesize:       DefaultMaxFilesize,
		DeleteFiles:       true,

		AudioServerEnabled: false,
		AudioServerPort:    8445,

		AdminEnabled: false,
		AdminPort:    8446,
	}
}

// Load reads <baseDir>/config.txt over the defaults. A missing config file
// is an error; a missing key falls back to its default.
func Load(baseDir string) (*Config, error) {
	c := Defaults(baseDir)

	f, err := ini.Load(c.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", c.ConfigFile, err)
	}

	def := f.Section("default")
	if def.HasKey("loglevel") {
		level, err := parseLogLevel(def.Key("loglevel").String())
		if err != nil {
			return nil, err
		}
		c.LogLevel = level
	}
	c.LogFile = def.Key("logfile").MustString(c.LogFile)
	c.Daemonize = def.Key("daemonize").MustBool(c.Daemonize)
	c.DaemonDir = def.Key("daemondir").MustString(c.DaemonDir)
	c.PidFile = def.Key("pidfile").MustString(c.PidFile)
	c.UserDir = def.Key("userdir").MustString(c.UserDir)
	c.UploadDir = def.Key("uploaddir").MustString(c.UploadDir)
	c.MsgDir = def.Key("msgdir").MustString(c.MsgDir)
	c.KeyFile = def.Key("keyfile").MustString(c.KeyFile)
	c.CertFile = def.Key("certfile").MustString(c.CertFile)
	c.RecvTimeout = secondsKey(def, "recv_timeout", c.RecvTimeout)
	c.AcceptTimeout = secondsKey(def, "accept_timeout", c.AcceptTimeout)

	srv := f.Section("server")
	c.Address = srv.Key("address").MustString(c.Address)
	c.Port = srv.Key("port").MustInt(c.Port)

	fs := f.Section("fileserver")
	c.FileServerEnabled = fs.Key("enabled").MustBool(c.FileServerEnabled)
	c.FileServerPort = fs.Key("port").MustInt(c.FileServerPort)
	c.DeleteFiles = fs.Key("delete_files").MustBool(c.DeleteFiles)
	if fs.HasKey("max_filesize") {
		// Accepts decimal or 0x-prefixed hex, like the config format
		// documents.
		size, err := strconv.ParseInt(fs.Key("max_filesize").String(), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("max_filesize: %w", err)
		}
		c.MaxFilesize = size
	}

	as := f.Section("audioserver")
	c.AudioServerEnabled = as.Key("enabled").MustBool(c.AudioServerEnabled)
	c.AudioServerPort = as.Key("port").MustInt(c.AudioServerPort)

	adm := f.Section("adminserver")
	c.AdminEnabled = adm.Key("enabled").MustBool(c.AdminEnabled)
	c.AdminPort = adm.Key("port").MustInt(c.AdminPort)

	return c, nil
}

func secondsKey(sec *ini.Section, name string, fallback time.Duration) time.Duration {
	if !sec.HasKey(name) {
		return fallback
	}
	secs := sec.Key(name).MustInt(int(fallback / time.Second))
	return time.Duration(secs) * time.Second
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "error":
		return slog.LevelError, nil
	case "warning":
		return slog.LevelWarn, nil
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	}
	return 0, fmt.Errorf("invalid loglevel %q", s)
}

// DebugDump logs the effective settings at debug level.
func (c *Config) DebugDump() {
	slog.Debug("settings [default]",
		"loglevel", c.LogLevel,
		"logfile", c.LogFile,
		"daemonize", c.Daemonize,
		"pidfile", c.PidFile,
		"userdir", c.UserDir,
		"uploaddir", c.UploadDir,
		"msgdir", c.MsgDir,
		"recv_timeout", c.RecvTimeout,
		"accept_timeout", c.AcceptTimeout,
	)
	slog.Debug("settings [server]", "address", c.Address, "port", c.Port)
	slog.Debug("settings [fileserver]",
		"enabled", c.FileServerEnabled,
		"port", c.FileServerPort,
		"max_filesize", c.MaxFilesize,
		"delete_files", c.DeleteFiles,
	)
	slog.Debug("settings [audioserver]",
		"enabled", c.AudioServerEnabled,
		"port", c.AudioServerPort,
	)
	slog.Debug("settings [adminserver]",
		"enabled", c.AdminEnabled,
		"port", c.AdminPort,
	)
}
