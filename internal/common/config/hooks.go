package config

import (
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		SecondsDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

// SecondsDurationHookFunc decodes plain numbers into durations measured in seconds, so that `--timeout 1.5` means
// one and a half seconds. Strings carrying a unit ("90s", "2m") are parsed with time.ParseDuration.
func SecondsDurationHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case float64:
			return secondsToDuration(v), nil
		case float32:
			return secondsToDuration(float64(v)), nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case uint:
			return time.Duration(v) * time.Second, nil
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return secondsToDuration(seconds), nil
			}
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, errors.Errorf("%q is neither a number of seconds nor a duration", v)
			}
			return d, nil
		}
		return data, nil
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
