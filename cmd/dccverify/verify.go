package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dgc-dev/dccverify/trustlist"
	"github.com/dgc-dev/dccverify/verification"
)

var (
	flagBaseURL   string
	flagAnchor    string
	flagCacheDir  string
	flagCountry   string
	flagRegions   []string
	flagDefault   bool
	flagForce     bool
)

func endpointsFromBase(baseURL string) trustlist.Endpoints {
	base := strings.TrimRight(baseURL, "/")
	return trustlist.Endpoints{
		Keys:               base + "/trustlist",
		KeysSignature:      base + "/trustlistsig",
		ValueSets:          base + "/valuesets",
		ValueSetsSignature: base + "/valuesetssig",
		Rules:              base + "/rules",
		RulesSignature:     base + "/rulessig",
	}
}

func newController() (*verification.Controller, error) {
	storage, err := trustlist.NewFileStorage(flagCacheDir)
	if err != nil {
		return nil, err
	}
	store := trustlist.NewStore(storage)

	anchorPEM, err := os.ReadFile(flagAnchor)
	if err != nil {
		return nil, fmt.Errorf("read trust anchor: %w", err)
	}
	anchor, err := trustlist.LoadTrustAnchor(anchorPEM)
	if err != nil {
		return nil, err
	}

	refresher := trustlist.NewRefresher(store, endpointsFromBase(flagBaseURL), anchor)
	return verification.NewController(store, refresher), nil
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify QR code data from stdin against the trust list",
	RunE: func(cmd *cobra.Command, args []string) error {
		controller, err := newController()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if flagForce {
			controller.RefreshNow(ctx)
		} else {
			controller.RefreshIfStale(ctx)
		}

		code, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}

		result, err := controller.VerifyQR(ctx, strings.TrimSpace(string(code)), verification.Request{
			CountryCode:        flagCountry,
			Regions:            flagRegions,
			CheckDefaultRegion: flagDefault,
		})
		if err != nil {
			return err
		}

		fmt.Printf("status: %s\n", result.Status)
		for _, r := range result.Results {
			region := r.Region
			if region == "" {
				region = "(default)"
			}
			line := fmt.Sprintf("region %s: valid=%t", region, r.Valid)
			if r.ValidUntil != nil {
				line += fmt.Sprintf(" validUntil=%s", r.ValidUntil.Format("2006-01-02 15:04:05"))
			}
			fmt.Println(line)
		}

		if result.IsInvalid() {
			os.Exit(2)
		}
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force-refresh the cached trust list",
	RunE: func(cmd *cobra.Command, args []string) error {
		controller, err := newController()
		if err != nil {
			return err
		}
		controller.RefreshNow(cmd.Context())
		logrus.Info("trust list refresh complete")
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{verifyCmd, refreshCmd} {
		cmd.Flags().StringVar(&flagBaseURL, "base-url", "", "base URL of the trust list backend")
		cmd.Flags().StringVar(&flagAnchor, "anchor", "", "path to the PEM trust anchor certificate")
		cmd.Flags().StringVar(&flagCacheDir, "cache-dir", defaultCacheDir(), "directory for the cached trust list")
		_ = cmd.MarkFlagRequired("base-url")
		_ = cmd.MarkFlagRequired("anchor")
	}
	verifyCmd.Flags().StringVar(&flagCountry, "country", "AT", "country code selecting the rule set")
	verifyCmd.Flags().StringSliceVar(&flagRegions, "regions", nil, "region codes to evaluate")
	verifyCmd.Flags().BoolVar(&flagDefault, "default-region", true, "also evaluate the default region")
	verifyCmd.Flags().BoolVar(&flagForce, "force-refresh", false, "force a trust list refresh before verifying")
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(refreshCmd)
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".dccverify"
	}
	return dir + "/dccverify"
}
