// Package config implements the daemon's INI configuration file: service
// identity, spool paths, scheduling thresholds, and logging, following the
// same "decode into a read struct, then Validate" pattern the teacher uses
// for its process manager's config.
package config

import (
	"errors"
	"io/ioutil"
	"os"
	"time"

	"github.com/gravwell/gcfg"

	"github.com/atrund/atrund/log"
)

const (
	maxConfigSize int64 = 1024 * 1024

	defaultCheckInterval = 60 // seconds
	defaultBatchInterval = 60 // seconds
	defaultLoadAvg       = 0.8
	defaultLoginNameMax  = 128
	defaultServiceUser   = "atd"
	defaultServiceGroup  = "atd"
	defaultMailProgram   = "/usr/sbin/sendmail"
	defaultLogLevel      = `WARN`
)

type global struct {
	Spool_Dir      string
	Out_Spool_Dir  string
	Service_User   string
	Service_Group  string
	Mail_Program   string
	Load_Avg       float64
	Batch_Interval int
	Check_Interval int
	Login_Name_Max int
	Log_File       string
	Log_Level      string
}

type cfgType struct {
	Global global
}

// Config is the validated, defaulted daemon configuration.
type Config struct {
	SpoolDir      string
	OutSpoolDir   string
	ServiceUser   string
	ServiceGroup  string
	MailProgram   string
	LoadAvg       float64
	BatchInterval time.Duration
	CheckInterval time.Duration
	LoginNameMax  int
	LogFile       string
	LogLevel      string
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	var raw cfgType
	data, err := readBounded(path)
	if err != nil {
		return Config{}, err
	}
	if err := gcfg.ReadStringInto(&raw, string(data)); err != nil {
		return Config{}, err
	}
	return raw.resolve()
}

func readBounded(path string) ([]byte, error) {
	fin, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fin.Close()
	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxConfigSize {
		return nil, errors.New("config: file far too large")
	}
	return ioutil.ReadAll(fin)
}

func (raw cfgType) resolve() (Config, error) {
	g := raw.Global
	c := Config{
		SpoolDir:      g.Spool_Dir,
		OutSpoolDir:   g.Out_Spool_Dir,
		ServiceUser:   g.Service_User,
		ServiceGroup:  g.Service_Group,
		MailProgram:   g.Mail_Program,
		LoadAvg:       g.Load_Avg,
		LoginNameMax:  g.Login_Name_Max,
		LogFile:       g.Log_File,
		LogLevel:      g.Log_Level,
	}

	if c.SpoolDir == "" {
		return Config{}, errors.New("config: Spool_Dir is required")
	}
	if c.OutSpoolDir == "" {
		return Config{}, errors.New("config: Out_Spool_Dir is required")
	}
	if c.ServiceUser == "" {
		c.ServiceUser = defaultServiceUser
	}
	if c.ServiceGroup == "" {
		c.ServiceGroup = defaultServiceGroup
	}
	if c.MailProgram == "" {
		c.MailProgram = defaultMailProgram
	}
	if c.LoadAvg <= 0 {
		c.LoadAvg = defaultLoadAvg
	}
	if g.Batch_Interval <= 0 {
		g.Batch_Interval = defaultBatchInterval
	}
	c.BatchInterval = time.Duration(g.Batch_Interval) * time.Second
	if g.Check_Interval <= 0 {
		g.Check_Interval = defaultCheckInterval
	}
	c.CheckInterval = time.Duration(g.Check_Interval) * time.Second
	if c.LoginNameMax <= 0 {
		c.LoginNameMax = defaultLoginNameMax
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	return c, nil
}

// GetLogger builds a *log.Logger from the config's LogFile/LogLevel,
// exactly mirroring the teacher's own cfgType.GetLogger: an empty LogFile
// yields a discard logger rather than an error.
func (c Config) GetLogger() (*log.Logger, error) {
	if c.LogFile == "" {
		return log.NewDiscardLogger(), nil
	}
	lvl, err := log.LevelFromString(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if lvl == log.OFF {
		return log.NewDiscardLogger(), nil
	}
	l, err := log.NewFile(c.LogFile)
	if err != nil {
		return nil, err
	}
	if err := l.SetLevel(lvl); err != nil {
		return nil, err
	}
	return l, nil
}

// ApplyCLIOverrides applies the -l/-b flag overrides from spec.md section
// 6 on top of the file-derived config. loadAvg <= 0 resets to the
// platform default.
func (c Config) ApplyCLIOverrides(loadAvg float64, batchIntervalSeconds uint, loadAvgSet, batchIntervalSet bool) Config {
	if loadAvgSet {
		if loadAvg <= 0 {
			c.LoadAvg = defaultLoadAvg
		} else {
			c.LoadAvg = loadAvg
		}
	}
	if batchIntervalSet {
		c.BatchInterval = time.Duration(batchIntervalSeconds) * time.Second
	}
	return c
}
