package maincmd

import "github.com/caarlos0/env/v6"

// Config holds the VM tunables a host process can override at startup,
// the way the teacher's own build-time overrides are wired: struct
// tags read by caarlos0/env, parsed once in main and threaded into
// vm.Options (see run.go/asm.go).
type Config struct {
	GCThreshold int64 `env:"COREVM_GC_THRESHOLD" envDefault:"1048576"`
	MaxSteps    int   `env:"COREVM_MAX_STEPS" envDefault:"0"`
}

// LoadConfig reads Config from the environment, falling back to its
// struct-tag defaults for anything unset.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
