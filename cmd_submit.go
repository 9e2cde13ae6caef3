package main

import (
	"fmt"

	"github.com/raine/city-vision-capture/internal/config"
	"github.com/raine/city-vision-capture/internal/media"
	"github.com/spf13/cobra"
)

var submitLocation locationFlags

var submitCmd = &cobra.Command{
	Use:   "submit <image>",
	Short: "Report an existing photo",
	Long: `Uploads an image file and submits it for analysis with the current
location and visitor id. The analysis result is printed as JSON.`,
	Args: cobra.ExactArgs(1),
	PreRun: func(cmd *cobra.Command, args []string) {
		submitLocation.fixed = cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon")
	},
	RunE: runSubmit,
}

func init() {
	addLocationFlags(submitCmd, &submitLocation)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(config.CommandCapture); err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	img, err := media.DecodeFile(args[0])
	if err != nil {
		return err
	}

	session, err := newCaptureSession(ctx, submitLocation)
	if err != nil {
		img.Release()
		return err
	}
	defer session.close()

	session.prepare(ctx)

	result, err := session.submit(ctx, img)
	if err != nil {
		printFailure(cmd.ErrOrStderr(), err)
		return fmt.Errorf("submission failed: %w", err)
	}
	return printResult(out, result)
}
