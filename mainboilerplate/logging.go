package mainboilerplate

import (
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

// InitLog configures the logger, writing to stderr.
func InitLog(cfg LogConfig) {
	Must(ConfigureLog(cfg, os.Stderr), "failed to configure logging")
}

// ConfigureLog configures the standard logger to write to |w|.
func ConfigureLog(cfg LogConfig, w io.Writer) error {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	default:
		return errors.Errorf("unrecognized log format %q", cfg.Format)
	}
	log.SetOutput(w)

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		return errors.WithMessage(err, "log level")
	} else {
		log.SetLevel(lvl)
	}
	return nil
}
