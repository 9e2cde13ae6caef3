package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/raine/city-vision-capture/internal/camera"
	"github.com/raine/city-vision-capture/internal/config"
	"github.com/raine/city-vision-capture/internal/failure"
	"github.com/raine/city-vision-capture/internal/media"
	"github.com/spf13/cobra"
)

var (
	captureLocation locationFlags
	captureCamera   string
	captureSave     string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Take a photo with a snapshot camera and report it",
	Long: `Opens the configured snapshot camera, lets you take (and retake) a
photo, then uploads it and submits it for analysis together with your
location and visitor id.`,
	Args: cobra.NoArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		captureLocation.fixed = cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon")
	},
	RunE: runCapture,
}

func init() {
	addLocationFlags(captureCmd, &captureLocation)
	captureCmd.Flags().StringVar(&captureCamera, "camera", "", "snapshot camera URL (default from CAMERA_SNAPSHOT_URL)")
	captureCmd.Flags().StringVar(&captureSave, "save", "", "also save the captured photo to this path")
}

func addLocationFlags(cmd *cobra.Command, f *locationFlags) {
	cmd.Flags().Float64Var(&f.lat, "lat", 0, "latitude of the photo")
	cmd.Flags().Float64Var(&f.lon, "lon", 0, "longitude of the photo")
	cmd.Flags().BoolVar(&f.noIP, "no-ip", false, "don't fall back to IP-based location")
}

func runCapture(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(config.CommandCapture); err != nil {
		return err
	}
	if captureCamera != "" {
		cfg.CameraSnapshotURL = captureCamera
	}
	if cfg.CameraSnapshotURL == "" {
		return errors.New("no camera configured: set CAMERA_SNAPSHOT_URL or pass --camera")
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	in := bufio.NewScanner(cmd.InOrStdin())

	session, err := newCaptureSession(ctx, captureLocation)
	if err != nil {
		return err
	}
	defer session.close()

	class := clientClass(cfg)
	cam := camera.NewController(
		camera.NewSnapshotSource(cfg.CameraSnapshotURL),
		camera.NewPreview(class, false),
		class,
	)
	defer cam.Close()

	// Identity and location resolve while the camera starts
	prepared := make(chan struct{})
	go func() {
		defer close(prepared)
		session.prepare(ctx)
	}()

	if err := cam.Open(ctx); err != nil {
		printFailure(out, err)
		return err
	}
	if ok, err := activate(ctx, cam, in, out); !ok {
		return err
	}

	img, err := takePhoto(ctx, cam, in, out)
	if err != nil || img == nil {
		return err
	}
	if captureSave != "" {
		if err := img.WriteFile(captureSave, media.EncodeOptions{}); err != nil {
			fmt.Fprintf(out, "Could not save photo: %v\n", err)
		}
	}

	<-prepared
	return submitInteractive(cmd, session, img, in, out)
}

// activate waits for the user's tap when playback needs a gesture. A
// failed tap leaves the controller waiting, so the prompt repeats. It
// reports false when the user quits or input ends.
func activate(ctx context.Context, cam *camera.Controller, in *bufio.Scanner, out io.Writer) (bool, error) {
	for cam.NeedsActivation() {
		fmt.Fprintln(out, camera.ActivationPrompt, "(press Enter, q to quit)")
		if line, ok := readLine(in); !ok || line == "q" {
			return false, nil
		}
		if err := cam.Tap(ctx); err != nil {
			printFailure(out, err)
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
		}
	}
	return true, nil
}

// takePhoto loops until the user accepts a capture. A nil image means the
// user quit.
func takePhoto(ctx context.Context, cam *camera.Controller, in *bufio.Scanner, out io.Writer) (*media.CapturedImage, error) {
	for {
		fmt.Fprintln(out, "Camera ready. Press Enter to take the photo, q to quit.")
		line, ok := readLine(in)
		if !ok || line == "q" {
			return nil, nil
		}

		img, err := cam.Capture(ctx)
		if err != nil {
			printFailure(out, err)
			return nil, err
		}
		w, h := img.Size()
		fmt.Fprintf(out, "Photo captured (%dx%d). [s]ubmit, [r]etake or [q]uit?\n", w, h)

		switch choice, _ := readLine(in); choice {
		case "s", "":
			return img, nil
		case "r":
			if err := cam.Retake(ctx); err != nil {
				printFailure(out, err)
				return nil, err
			}
			if ok, err := activate(ctx, cam, in, out); !ok {
				return nil, err
			}
		default:
			img.Release()
			return nil, nil
		}
	}
}

// submitInteractive submits img and offers a retry after failures that can
// be retried.
func submitInteractive(cmd *cobra.Command, session *captureSession, img *media.CapturedImage, in *bufio.Scanner, out io.Writer) error {
	ctx := cmd.Context()
	fmt.Fprintln(out, "Uploading...")
	result, err := session.submit(ctx, img)
	for err != nil {
		printFailure(out, err)
		if failure.KindOf(err) == failure.KindValidation {
			return err
		}
		fmt.Fprintln(out, "[r]etry or [d]iscard?")
		if choice, ok := readLine(in); !ok || choice != "r" {
			_ = session.orchestrator.Discard()
			return err
		}
		result, err = session.orchestrator.Submit(ctx)
	}

	fmt.Fprintln(out, "Report submitted.")
	if err := printResult(out, result); err != nil {
		return err
	}
	session.waitReset(ctx)
	return nil
}

func readLine(in *bufio.Scanner) (string, bool) {
	if !in.Scan() {
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(in.Text())), true
}
