package skymatch

import (
	"skymatch/internal/config"
	"skymatch/internal/skystats"
)

// ConfigFrom converts the sky section of the user configuration. The result
// is validated; failures are *ConfigurationError.
func ConfigFrom(s config.Sky) (Config, error) {
	method, err := ParseMethod(s.Method)
	if err != nil {
		return Config{}, err
	}
	stat, err := skystats.ParseStat(s.Stat)
	if err != nil {
		return Config{}, configErr("skystat", "%v", err)
	}
	cfg := Config{
		Method: method,
		Stats: skystats.Params{
			Stat:      stat,
			Lower:     s.Lower,
			Upper:     s.Upper,
			NClip:     s.NClip,
			LowSigma:  s.LSigma,
			HighSigma: s.USigma,
			BinWidth:  s.BinWidth,
		},
		MatchDown: s.MatchDown,
		Subtract:  s.Subtract,
		StepSize:  s.StepSize,
		Workers:   s.Workers,
		Strict:    s.Strict,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
