package common

import (
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/armadaproject/ciqueue/internal/common/config"
	"github.com/armadaproject/ciqueue/internal/common/logging"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

const (
	envPrefix      = "CIQUEUE"
	queueUrlEnvVar = "CI_QUEUE_URL"
)

// BindCommandlineArguments binds every flag to v. Each flag can also be set through the environment as
// CIQUEUE_<FLAG_NAME>; the queue url additionally falls back to CI_QUEUE_URL.
func BindCommandlineArguments(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return errors.WithStack(err)
	}
	if flags.Lookup("queue") != nil {
		if err := v.BindEnv("queue", envPrefix+"_QUEUE", queueUrlEnvVar); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// LoadConfig reads configFile, if any, and unmarshals everything bound to v into config.
// Flags and environment variables take precedence over the file.
func LoadConfig(v *viper.Viper, config interface{}, configFile string) error {
	if configFile != "" {
		path, err := homedir.Expand(configFile)
		if err != nil {
			return &queueerrors.ErrInvalidConfig{Err: errors.WithStack(err)}
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return &queueerrors.ErrInvalidConfig{Err: errors.Wrapf(err, "error reading config file %s", configFile)}
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}
	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return &queueerrors.ErrInvalidConfig{Err: errors.WithStack(err)}
	}
	return nil
}

// ConfigureCommandLineLogging sets up logrus for a command line process and hooks log counts into prometheus.
func ConfigureCommandLineLogging(c logging.Config) error {
	if err := logging.Configure(c, os.Stderr); err != nil {
		return &queueerrors.ErrInvalidConfig{Err: err}
	}
	if err := logging.RegisterPrometheusHook(); err != nil {
		log.WithError(err).Debug("log metrics already registered")
	}
	return nil
}
