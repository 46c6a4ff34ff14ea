package config

import (
	logging "github.com/ipfs/go-log/v2"
)

var logFormats = map[string]logging.LogFormat{
	"color":   logging.ColorizedOutput,
	"nocolor": logging.PlaintextOutput,
	"json":    logging.JSONOutput,
}

// SetupLogging applies the logging section to every package logger.
func (c LogConfig) SetupLogging() error {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		return err
	}
	format, ok := logFormats[c.Format]
	if !ok {
		format = logging.ColorizedOutput
	}
	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})
	return nil
}
