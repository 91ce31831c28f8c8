// Package env fills configuration structs from the process environment.
package env

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const DefaultEnvFile = ".env"

// InitConfig loads dotenv files, then processes envconfig tags of config.
// Without files, DefaultEnvFile is tried. Missing files are skipped; variables
// already set in the environment win over file values.
func InitConfig(config any, files ...string) error {
	if len(files) == 0 {
		files = []string{DefaultEnvFile}
	}

	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "failed to load %s", f)
		}
	}

	if err := envconfig.Process("", config); err != nil {
		return errors.Wrap(err, "failed to envconfig.Process")
	}

	return nil
}
