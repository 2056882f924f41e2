package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cambanzo",
	Short: "Multi-camera capture and detection pipeline",
	Long: `Cambanzo polls a fleet of heterogeneous cameras (RTSP, cloud,
file-backed), feeds captured frames through an object detection service,
and lands annotated snapshots, detection records, and alerts.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./cambanzo.yaml)")
	rootCmd.AddCommand(runCmd)
}
