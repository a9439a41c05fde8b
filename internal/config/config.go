// Package config resolves the sender child's and manager daemon's
// runtime configuration: command-line flags parsed with spf13/cobra
// and spf13/pflag, layered over ambient environment defaults — an
// optional .env file via joho/godotenv, then struct-tag overrides via
// caarlos0/env.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Ambient holds the knobs the command line doesn't expose directly:
// defaults and operational settings that would be noise on every
// invocation, bound from the environment instead.
type Ambient struct {
	DefaultRetention time.Duration `env:"MCASTUP_DEFAULT_RETENTION" envDefault:"5m"`
	MetricsAddr      string        `env:"MCASTUP_METRICS_ADDR" envDefault:":9090"`
	LogFormat        string        `env:"MCASTUP_LOG_FORMAT" envDefault:"json"`
	LogLevel         string        `env:"MCASTUP_LOG_LEVEL" envDefault:"info"`
	SysmonInterval   time.Duration `env:"MCASTUP_SYSMON_INTERVAL" envDefault:"30s"`
	ManagerAddr      string        `env:"MCASTUP_MANAGER_ADDR" envDefault:"127.0.0.1:9191"`
	ProvisionCmd     string        `env:"MCASTUP_PROVISION_CMD" envDefault:"provision.py"`
	RemoveCmd        string        `env:"MCASTUP_REMOVE_CMD" envDefault:"remove.py"`

	// Virtual-circuit identity of this sender, relayed by the manager
	// to each child it forks. The local endpoint uses the same
	// switch:port:vlan form receivers send for their end.
	VCWorkgroup   string `env:"MCASTUP_VC_WORKGROUP" envDefault:"mcastup"`
	VCLocalEP     string `env:"MCASTUP_VC_LOCAL" envDefault:"dummy:dummy:0"`
	VCDescription string `env:"MCASTUP_VC_DESCRIPTION" envDefault:"mcastup data circuit"`
}

// LoadAmbient loads an optional .env file (missing is not an error)
// and parses Ambient from the environment.
func LoadAmbient() (Ambient, error) {
	_ = godotenv.Load()

	var a Ambient
	if err := env.Parse(&a); err != nil {
		return Ambient{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := a.validate(); err != nil {
		return Ambient{}, fmt.Errorf("config: %w", err)
	}
	return a, nil
}

func (a Ambient) validate() error {
	if a.DefaultRetention <= 0 {
		return fmt.Errorf("MCASTUP_DEFAULT_RETENTION must be positive, got %s", a.DefaultRetention)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[a.LogFormat] {
		return fmt.Errorf("MCASTUP_LOG_FORMAT must be one of: json, console (got %s)", a.LogFormat)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[a.LogLevel] {
		return fmt.Errorf("MCASTUP_LOG_LEVEL must be one of: debug, info, warn, error (got %s)", a.LogLevel)
	}
	return nil
}

// SenderFlags is the sender child's command-line contract, populated
// by cmd/mcastupd from cobra/pflag before any of its own resources
// are created.
type SenderFlags struct {
	FeedExpr      string
	McastIface    string
	ServerPort    int
	StorePath     string
	RetentionMins int
	ServerIface   string
	TTL           int
	LogDest       string
	Verbose       bool
	Debug         bool

	// Positional arguments: "<groupHost>:<groupPort> <fmtpNet>/<prefixLen>"
	GroupHostPort string
	FMTPSubnet    string
}

// Retention resolves -r into a duration; a negative value selects the
// ambient default.
func (f SenderFlags) Retention(ambientDefault time.Duration) time.Duration {
	if f.RetentionMins < 0 {
		return ambientDefault
	}
	return time.Duration(f.RetentionMins) * time.Minute
}
