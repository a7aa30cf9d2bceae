package cli

import (
	"fmt"
	"os"

	"github.com/duneshelf/duneshelf"
)

// openEnv opens the environment at dbPath for read-only inspection. The
// caller is responsible for calling Close on the result.
func openEnv(readOnly bool) (*duneshelf.Env, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("--path is required")
	}

	env, err := duneshelf.NewEnv("duneshelf-cli")
	if err != nil {
		return nil, fmt.Errorf("create environment handle: %w", err)
	}

	flags := uint(0)
	if noSubdir {
		flags |= duneshelf.NoSubdir
	}
	if readOnly {
		flags |= duneshelf.ReadOnly
	}

	if err := env.Open(dbPath, flags, os.FileMode(0644)); err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	return env, nil
}
