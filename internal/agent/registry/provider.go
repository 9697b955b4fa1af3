package registry

import (
	"github.com/anyon/anyon/internal/common/config"
	"github.com/anyon/anyon/internal/common/logger"
)

// Provide creates the registry from the embedded profiles or the configured file.
func Provide(cfg config.ExecutorConfig, log *logger.Logger) (*Registry, func() error, error) {
	reg := NewRegistry(log)
	var err error
	if cfg.ProfilesFile != "" {
		err = reg.LoadFromFile(cfg.ProfilesFile)
	} else {
		err = reg.LoadDefaults()
	}
	if err != nil {
		return nil, nil, err
	}
	return reg, func() error { return nil }, nil
}
