package commands

import (
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"avaneesh/cfdp-go/pkg/cfdp"
	"avaneesh/cfdp-go/pkg/mib"
)

const defaultConfigPath = "~/.cfdp/config.yaml"

var (
	configPath string
	logLevel   string
	frameDebug bool
	log        = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:          "cfdp",
	Short:        "CCSDS File Delivery Protocol entity",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path of the YAML config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log_level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&frameDebug, "frame-debug", false, "hex dump every PDU sent and received")
	rootCmd.AddCommand(serveCmd, putCmd, configCmd)
}

// resolvedConfigPath expands ~ in the --config flag
func resolvedConfigPath() (string, error) {
	return homedir.Expand(configPath)
}

// loadConfig reads the config named by --config and applies the logging flags
func loadConfig() (*mib.Config, error) {
	path, err := resolvedConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := mib.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		if _, err := cfdp.ParseLogLevel(logLevel); err != nil {
			return nil, err
		}
		cfg.LogLevel = logLevel
	}
	if frameDebug {
		cfg.FrameDebug = true
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
