package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "opsctl",
	Short: "Operate the loanpay task scheduler",
	Long: `opsctl talks to a running loanpay API to inspect the notification
scheduler and to trigger, enable or disable its tasks.`,
	SilenceUsage: true,
}

func init() {
	url := os.Getenv("LOANPAY_URL")
	if url == "" {
		url = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().String("url", url, "Base URL of the loanpay API")
	rootCmd.PersistentFlags().Bool("json", false, "Print raw JSON instead of a table")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
