package main

import (
	"fmt"
	"strings"

	"github.com/raine/city-vision-capture/internal/analysis"
	"github.com/raine/city-vision-capture/internal/config"
	"github.com/raine/city-vision-capture/internal/identity"
	"github.com/spf13/cobra"
)

var relevanceUser string

var relevanceCmd = &cobra.Command{
	Use:   "relevance <photo_id> [reason...]",
	Short: "Mark an analyzed photo as not relevant",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRelevance,
}

func init() {
	relevanceCmd.Flags().StringVar(&relevanceUser, "user", "", "visitor id to report as (default: this machine's id)")
}

func runRelevance(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(config.CommandRelevance); err != nil {
		return err
	}
	ctx := cmd.Context()

	userID := relevanceUser
	if userID == "" {
		store, err := openStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		salt, err := installSalt(store)
		if err != nil {
			return err
		}
		id, err := identity.NewService(store, identity.HostFingerprinter{Salt: salt}).VisitorID(ctx)
		if err != nil {
			return err
		}
		userID = string(id)
	}

	client := newVisionClient(cfg, clientClass(cfg))
	res, err := client.SubmitRelevance(ctx, analysis.Feedback{
		PhotoID:        args[0],
		UserID:         userID,
		AdditionalInfo: strings.Join(args[1:], " "),
	})
	if err != nil {
		printFailure(cmd.ErrOrStderr(), err)
		return fmt.Errorf("relevance feedback failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Feedback recorded, relevance score change %+.2f\n", res.DeltaScore)
	return nil
}
