// Package config loads apts's configuration: host/port to bind, the served
// root directory, the writable flag, and the ambient settings (log level,
// metrics address, privilege-drop target) layered from a config file,
// environment variables, and command-line flags via spf13/viper.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Exit codes returned by the process for each class of startup failure.
const (
	ExitNormal        = 0
	ExitConfigError   = 1
	ExitRootDirError  = 2
	ExitPrivilegeDrop = 3
)

// Config is the fully parsed and validated server configuration.
type Config struct {
	Host string
	Port int

	TFTPRoot string
	Writable bool
	Bufsize  int

	LogLevel    string
	MetricsAddr string
	User        string
}

// Addr returns the host:port pair to bind the TFTP listen socket to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// minBufsize is the floor: exactly one full 516-byte DATA packet (4-byte
// header plus a 512-byte block).
const minBufsize = 516

// registerFlags adds apts's flags to fs, mirroring the config keys below.
func registerFlags(fs *pflag.FlagSet) {
	fs.String("host", "", "interface to bind (empty = all interfaces)")
	fs.Int("port", 69, "UDP port to bind")
	fs.String("tftp-root", "/srv/tftp", "absolute path of the directory to serve")
	fs.Bool("writable", true, "allow write (WRQ) requests")
	fs.Int("bufsize", 2048, "receive buffer size in bytes (minimum 516); only validated, sockets read into fixed 1500-byte buffers")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	fs.String("user", "", "unprivileged user to drop to after binding (empty disables)")
}

// Load builds a Config from flags, environment variables (prefixed APTS_),
// and an optional config file. Precedence, highest first: flags explicitly
// set on fs, environment variables, the config file, flag defaults. Parse
// failures are reported as an
// error paired with the exit code that class of failure maps to; Load
// itself never calls os.Exit.
func Load(fs *pflag.FlagSet, configFile string) (Config, int, error) {
	registerFlags(fs)

	v := viper.New()
	v.SetEnvPrefix("APTS")
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, ExitConfigError, fmt.Errorf("config: bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, ExitConfigError, fmt.Errorf("config: read %s: %w", configFile, err)
			}
		}
	}

	cfg := Config{
		Host:        v.GetString("host"),
		Port:        v.GetInt("port"),
		TFTPRoot:    v.GetString("tftp-root"),
		Writable:    v.GetBool("writable"),
		Bufsize:     v.GetInt("bufsize"),
		LogLevel:    v.GetString("log-level"),
		MetricsAddr: v.GetString("metrics-addr"),
		User:        v.GetString("user"),
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, ExitConfigError, fmt.Errorf("config: port %d out of range", cfg.Port)
	}
	if cfg.Bufsize < minBufsize {
		return Config{}, ExitConfigError, fmt.Errorf("config: bufsize must be at least %d bytes", minBufsize)
	}

	if code, err := validateRoot(cfg.TFTPRoot); err != nil {
		return Config{}, code, err
	}

	return cfg, ExitNormal, nil
}

// validateRoot enforces that tftp_root is an absolute, existing directory.
func validateRoot(root string) (int, error) {
	if !isAbs(root) {
		return ExitRootDirError, fmt.Errorf("config: tftp_root %q must be an absolute path", root)
	}

	info, err := os.Stat(root)
	if err != nil {
		return ExitRootDirError, fmt.Errorf("config: tftp_root %q: %w", root, err)
	}
	if !info.IsDir() {
		return ExitRootDirError, fmt.Errorf("config: tftp_root %q is not a directory", root)
	}

	return ExitNormal, nil
}

func isAbs(p string) bool {
	return len(p) > 0 && p[0] == '/'
}

// RootFS returns an afero filesystem rooted at cfg.TFTPRoot, suitable for
// handing to the session engine: every path a session resolves is relative
// to this root and cannot be joined outside of it.
func RootFS(cfg Config) afero.Fs {
	return afero.NewBasePathFs(afero.NewOsFs(), cfg.TFTPRoot)
}
