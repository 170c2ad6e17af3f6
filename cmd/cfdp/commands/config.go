package commands

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"avaneesh/cfdp-go/pkg/mib"
)

var replace bool

func init() {
	configCmd.Flags().BoolVarP(&replace, "replace", "r", false, "overwrite a config file that already exists")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Writes an example config file to the --config path",
	RunE: func(_ *cobra.Command, _ []string) error {
		path, err := resolvedConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !replace {
			return errors.Errorf("%s already exists; use --replace to overwrite it", path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return errors.Wrap(err, "create config directory")
		}
		if err := mib.WriteExampleConfig(path); err != nil {
			return errors.Wrap(err, "write config")
		}
		log.Infof("Wrote example config to %s", path)
		return nil
	},
}
