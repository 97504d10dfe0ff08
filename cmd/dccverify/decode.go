package main

import (
	"io"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/dgc-dev/dccverify"
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode QR code data from stdin without verifying it",
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		unverified, err := dccverify.Decode(strings.TrimSpace(string(code)))
		if err != nil {
			return err
		}
		spew.Dump(unverified.SkipVerification())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}
