package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/andresmejia3/wallsight/internal/utils"
	"github.com/andresmejia3/wallsight/internal/video"
	"github.com/spf13/cobra"
)

var probeInput string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Print the frame rate, resolution and frame count of a video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runProbe(cmd.Context(), os.Stdout, probeInput)
	},
}

func init() {
	probeCmd.Flags().StringVarP(&probeInput, "input", "i", "", "Path to input video")
	probeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(ctx context.Context, out io.Writer, input string) error {
	if err := utils.CheckBinary(Cfg.Pipeline.FFprobe); err != nil {
		utils.ShowError("Probing requires ffprobe", err, nil)
		return err
	}
	desc, err := video.Probe(ctx, Cfg.Pipeline.FFprobe, input)
	if err != nil {
		utils.ShowError("Failed to probe video", err, nil)
		return err
	}
	printDescriptor(out, input, desc, video.TotalFrames(ctx, Cfg.Pipeline.FFprobe, input))
	return nil
}

func printDescriptor(out io.Writer, input string, desc types.StreamDescriptor, frames int) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintf(w, "FILE\t%s\n", input)
	fmt.Fprintf(w, "FPS\t%.3f\n", desc.FPS)
	fmt.Fprintf(w, "SIZE\t%dx%d\n", desc.Width, desc.Height)
	if frames > 0 {
		fmt.Fprintf(w, "FRAMES\t%d\n", frames)
	} else {
		fmt.Fprintln(w, "FRAMES\tunknown")
	}
	w.Flush()
}
