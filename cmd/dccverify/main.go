// Package main is the dccverify command line tool: it decodes EU Digital
// COVID Certificate QR data and verifies it against a trust list.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dccverify",
	Short: "Decode and verify EU Digital COVID Certificates",
	Long: `dccverify decodes EU Digital COVID Certificate (DCC) QR code data,
verifies its signature against a trust list and evaluates the country
business rules.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
