// Package cli provides the command-line interface for the bridging
// station. Adapted from the teacher's internal/cli/root.go: same cobra
// root + viper config search pattern, renamed from "meshtastic-relay" to
// the station's own command and config names.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "meshlink-station",
	Short: "A Meshtastic mesh-network bridging station",
	Long: `meshlink-station bridges Meshtastic mesh networks over the internet.

It discovers other stations through a rendezvous service, exchanges
encrypted contact info, and relays "@target message" commands between
local mesh neighbours and nodes reachable through peer stations.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.config/meshlink-station/config.yml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (json, text)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/meshlink-station")
		viper.AddConfigPath("/etc/meshlink-station")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("MESHLINK_STATION")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// GetConfigFile returns the config file being used.
func GetConfigFile() string {
	return viper.ConfigFileUsed()
}
