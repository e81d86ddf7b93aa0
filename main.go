package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ossyrian/mpqkit/internal/config"
	"github.com/ossyrian/mpqkit/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mpqkit",
	Short: "Inspect and extract Blizzard MPQ archives and game installs",
	Long: `mpqkit reads MPQ archives. Every command accepts either a single archive
or an install directory, in which case all archives below it are merged with
later archives overriding earlier ones.`,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")

	// archive settings
	rootCmd.PersistentFlags().Bool("mmap", false, "memory map archives instead of reading them")
	rootCmd.PersistentFlags().String("locale", "", "preferred file locale (enUS, deDE, ... or a numeric LCID)")
	rootCmd.PersistentFlags().Int("cache-entries", 0, "number of decoded files to cache when reading an install")

	// filters
	rootCmd.PersistentFlags().String("ext", "", "only files with this extension")
	rootCmd.PersistentFlags().String("glob", "", "only files matching this pattern (** matches directories)")

	// other opts
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-output-dir", "", "directory to write log files (if set, logs are written to both stderr and file)")

	viper.BindPFlag("use_mmap", rootCmd.PersistentFlags().Lookup("mmap"))
	viper.BindPFlag("locale", rootCmd.PersistentFlags().Lookup("locale"))
	viper.BindPFlag("cache_entries", rootCmd.PersistentFlags().Lookup("cache-entries"))
	viper.BindPFlag("extension", rootCmd.PersistentFlags().Lookup("ext"))
	viper.BindPFlag("glob", rootCmd.PersistentFlags().Lookup("glob"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_output_dir", rootCmd.PersistentFlags().Lookup("log-output-dir"))

	rootCmd.AddCommand(infoCmd, listCmd, extractCmd, buildCmd)
}

// initConfig reads in config file and environment variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "mpqkit"))
		}
		viper.AddConfigPath("/etc/mpqkit")
		viper.SetConfigName("config")
		viper.SetConfigType("toml")
	}

	viper.SetEnvPrefix("MPQKIT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// setup decodes the configuration and installs the global logger
// before any subcommand runs
func setup(cmd *cobra.Command, args []string) error {
	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogOutputDir); err != nil {
		return fmt.Errorf("could not set up logging: %w", err)
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
