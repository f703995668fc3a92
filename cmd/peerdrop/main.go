// Command peerdrop runs a file-sharing peer that accepts and dials
// websocket channels. Peers that cannot reach each other directly exchange
// files through any peer connected to both.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "peerdrop",
	Short: "Direct peer-to-peer file sharing",
	Long: `peerdrop exchanges files directly between peers over reliable
ordered channels. No file ever passes through a central server; a peer
connected to several others relays metadata and brokers connections so
that file bytes still flow point-to-point.`,
}

func init() {
	rootCmd.PersistentFlags().String("peer-id", "", "Local peer identifier (default: hostname)")
	rootCmd.PersistentFlags().String("save-dir", ".", "Directory received files are saved into")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Verbose output (-v, -vv)")

	viper.SetEnvPrefix("PEERDROP")
	viper.AutomaticEnv()
	for _, key := range []string{"peer-id", "save-dir", "verbose"} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(serveCmd)
}

// initConfig reads an optional config file and sets log verbosity.
func initConfig() {
	viper.SetConfigName("peerdrop")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	if err := viper.ReadInConfig(); err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "initConfig",
			"file":     viper.ConfigFileUsed(),
		}).Debug("Config file loaded")
	}

	switch viper.GetInt("verbose") {
	case 0:
		logrus.SetLevel(logrus.WarnLevel)
	case 1:
		logrus.SetLevel(logrus.InfoLevel)
	default:
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func main() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
