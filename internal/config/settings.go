// Package config holds the settings shared by the bb84sim binaries.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"

	"github.com/jaskrrish/bb84sim/internal/models/qkd"
)

// DefaultConfigFile is read by the binaries when no -config flag is given.
const DefaultConfigFile = "~/.bb84sim/bb84sim.conf"

// Settings is the collection of all bb84sim settings.
type Settings struct {
	// server section
	Listen          string        // listen address and port
	ReadTimeout     time.Duration // http read timeout
	WriteTimeout    time.Duration // http write timeout
	CleanupInterval time.Duration // how often expired sessions are purged

	// qkd section
	NumQubits           int
	SampleFraction      float64
	ErrorThreshold      float64
	EavesdropperPresent bool
	CipherMode          qkd.CipherMode
	KeyBytes            int
	TTLMinutes          int

	// log section
	LogFile   string // log filename, empty for stderr
	Verbosity int    // logr V level
}

var errIniNotFound = errors.New("not found")

// New returns a default settings structure.
func New() *Settings {
	return &Settings{
		// server
		Listen:          ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		CleanupInterval: 5 * time.Minute,

		// qkd
		NumQubits:           qkd.DefaultNumQubits,
		SampleFraction:      qkd.DefaultSampleFraction,
		ErrorThreshold:      qkd.DefaultErrorThreshold,
		EavesdropperPresent: false,
		CipherMode:          qkd.CipherStream,
		KeyBytes:            qkd.DefaultKeyBytes,
		TTLMinutes:          qkd.DefaultTTLMinutes,

		// log
		LogFile:   "",
		Verbosity: 0,
	}
}

// Load retrieves settings from an ini file. Paths, including filename,
// may start with ~ for the current user's home directory.
func (s *Settings) Load(filename string) error {
	filename, err := homedir.Expand(filename)
	if err != nil {
		return err
	}

	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	// server
	if listen, ok := cfg.Get("server", "listen"); ok {
		s.Listen = listen
	}
	if err := iniDuration(cfg, &s.ReadTimeout, "server", "readtimeout"); err != nil && err != errIniNotFound {
		return err
	}
	if err := iniDuration(cfg, &s.WriteTimeout, "server", "writetimeout"); err != nil && err != errIniNotFound {
		return err
	}
	if err := iniDuration(cfg, &s.CleanupInterval, "server", "cleanupinterval"); err != nil && err != errIniNotFound {
		return err
	}

	// qkd
	if err := iniInt(cfg, &s.NumQubits, "qkd", "numqubits"); err != nil && err != errIniNotFound {
		return err
	}
	if err := iniFloat(cfg, &s.SampleFraction, "qkd", "samplefraction"); err != nil && err != errIniNotFound {
		return err
	}
	if err := iniFloat(cfg, &s.ErrorThreshold, "qkd", "errorthreshold"); err != nil && err != errIniNotFound {
		return err
	}
	if err := iniBool(cfg, &s.EavesdropperPresent, "qkd", "eavesdropper"); err != nil && err != errIniNotFound {
		return err
	}
	if mode, ok := cfg.Get("qkd", "ciphermode"); ok {
		switch qkd.CipherMode(mode) {
		case qkd.CipherOneTimePad, qkd.CipherStream:
			s.CipherMode = qkd.CipherMode(mode)
		default:
			return fmt.Errorf("invalid ciphermode value: %v", mode)
		}
	}
	if err := iniInt(cfg, &s.KeyBytes, "qkd", "keybytes"); err != nil && err != errIniNotFound {
		return err
	}
	if err := iniInt(cfg, &s.TTLMinutes, "qkd", "ttlminutes"); err != nil && err != errIniNotFound {
		return err
	}

	// log
	if logFile, ok := cfg.Get("log", "logfile"); ok {
		s.LogFile = logFile
	}
	if s.LogFile != "" {
		if s.LogFile, err = homedir.Expand(s.LogFile); err != nil {
			return err
		}
	}
	if err := iniInt(cfg, &s.Verbosity, "log", "verbosity"); err != nil && err != errIniNotFound {
		return err
	}

	if err := s.QKD().Validate(); err != nil {
		return err
	}
	return s.Requests().Validate()
}

// QKD returns the protocol defaults described by the settings.
func (s *Settings) QKD() qkd.Config {
	return qkd.Config{
		NumQubits:           s.NumQubits,
		SampleFraction:      s.SampleFraction,
		ErrorThreshold:      s.ErrorThreshold,
		EavesdropperPresent: s.EavesdropperPresent,
	}
}

// Requests returns the cipher mode, key size and TTL applied to session
// requests that omit them.
func (s *Settings) Requests() qkd.RequestDefaults {
	return qkd.RequestDefaults{
		CipherMode: s.CipherMode,
		KeyBytes:   s.KeyBytes,
		TTLMinutes: s.TTLMinutes,
	}
}

func iniBool(cfg ini.File, p *bool, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	switch strings.ToLower(v) {
	case "yes":
		*p = true
	case "no":
		*p = false
	default:
		return fmt.Errorf("[%v]%v must be yes or no", section, key)
	}
	return nil
}

func iniInt(cfg ini.File, p *int, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("[%v]%v invalid: %v", section, key, err)
	}
	*p = i
	return nil
}

func iniFloat(cfg ini.File, p *float64, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("[%v]%v invalid: %v", section, key, err)
	}
	*p = f
	return nil
}

func iniDuration(cfg ini.File, p *time.Duration, section, key string) error {
	v, ok := cfg.Get(section, key)
	if !ok {
		return errIniNotFound
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("[%v]%v invalid: %v", section, key, err)
	}
	*p = d
	return nil
}
