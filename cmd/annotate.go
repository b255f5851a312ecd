package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/wallsight/internal/imaging"
	"github.com/andresmejia3/wallsight/internal/media"
	"github.com/andresmejia3/wallsight/internal/utils"
	"github.com/andresmejia3/wallsight/internal/video"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// AnnotateOptions holds the flags of the annotate command.
type AnnotateOptions struct {
	InputPath    string
	OutputPath   string
	MediaType    string
	Confidence   float64
	Strict       bool
	Workers      int
	LenientReads bool
}

var annotateOpts AnnotateOptions

var annotateCmd = &cobra.Command{
	Use:   "annotate",
	Short: "Detect wall damage in a photo or video and write an annotated copy",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		// Config values apply unless the flag was given explicitly
		flags := cmd.Flags()
		if !flags.Changed("conf") {
			annotateOpts.Confidence = Cfg.Pipeline.Confidence
		}
		if !flags.Changed("workers") {
			annotateOpts.Workers = Cfg.Pipeline.Workers
		}
		if !flags.Changed("strict") {
			annotateOpts.Strict = Cfg.Media.Strict
		}
		if !flags.Changed("lenient-reads") {
			annotateOpts.LenientReads = Cfg.Pipeline.LenientReads
		}
		if err := validateAnnotateFlags(&annotateOpts); err != nil {
			return err
		}
		return loadEngine(cmd.Context())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAnnotate(cmd.Context(), annotateOpts)
	},
}

func init() {
	annotateCmd.Flags().StringVarP(&annotateOpts.InputPath, "input", "i", "", "Path to the input photo or video")
	annotateCmd.Flags().StringVarP(&annotateOpts.OutputPath, "output", "o", "", "Path to the annotated output (default: <input>_annotated.png|.mp4)")
	annotateCmd.Flags().StringVar(&annotateOpts.MediaType, "type", "", "Declared media type, e.g. image/jpeg or video/mp4 (default: from the file extension)")
	annotateCmd.Flags().Float64VarP(&annotateOpts.Confidence, "conf", "c", 0.25, "Detection confidence threshold")
	annotateCmd.Flags().BoolVar(&annotateOpts.Strict, "strict", false, "Fail on media types that are neither image nor video")
	annotateCmd.Flags().IntVarP(&annotateOpts.Workers, "workers", "w", 1, "Frames in flight for video (>1 overlaps decode, inference and encode)")
	annotateCmd.Flags().BoolVar(&annotateOpts.LenientReads, "lenient-reads", false, "Treat a failed frame read as the end of the video")

	annotateCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(annotateCmd)
}

func runAnnotate(ctx context.Context, opts AnnotateOptions) error {
	declared := opts.MediaType
	if declared == "" {
		declared = media.TypeFromName(opts.InputPath)
	}
	kind := media.Classify(declared)

	output := opts.OutputPath
	if output == "" {
		output = defaultOutputPath(opts.InputPath, kind)
	}
	// Safety Check: Prevent overwriting input file which causes corruption
	inAbs, _ := filepath.Abs(opts.InputPath)
	outAbs, _ := filepath.Abs(output)
	if inAbs == outAbs {
		err := fmt.Errorf("input and output paths must be different to prevent file corruption")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	router := newRouter()
	router.Outputs = media.FixedOutput(output)
	router.Strict = opts.Strict
	router.Video.Workers = opts.Workers
	router.Video.ReadErrors = video.ReadErrorFail
	if opts.LenientReads {
		router.Video.ReadErrors = video.ReadErrorStop
	}

	if kind == media.Video {
		for _, bin := range []string{Cfg.Pipeline.FFmpeg, Cfg.Pipeline.FFprobe} {
			if err := utils.CheckBinary(bin); err != nil {
				utils.ShowError("Video support requires ffmpeg", err, nil)
				return err
			}
		}
		bar := newFrameBar(ctx, opts.InputPath)
		defer bar.Finish()
		router.Video.Progress = func(int) { bar.Add(1) }
		fmt.Fprintf(os.Stderr, "📼 Annotating video: %s\n", opts.InputPath)
	}

	art, err := router.Process(ctx, opts.InputPath, declared, opts.Confidence)
	if err != nil {
		var stop *video.StopError
		if errors.As(err, &stop) && art != nil {
			utils.ShowError("Processing stopped early", err, nil)
			fmt.Fprintf(os.Stderr, "⚠️  Partial output (%d frames) saved to %s\n", art.Video.FramesWritten, art.Video.OutputPath)
			return err
		}
		utils.ShowError("Annotation failed", err, nil)
		return err
	}
	if art == nil {
		fmt.Fprintf(os.Stderr, "⚠️  Unsupported media type %q, nothing to do\n", declared)
		return nil
	}

	switch art.Kind {
	case media.Image:
		if err := saveImage(art.Image, output); err != nil {
			utils.ShowError("Failed to save annotated image", err, nil)
			return err
		}
		printFindings(os.Stdout, art.Image)
		fmt.Fprintf(os.Stderr, "\n🏁 Annotated image saved to %s\n", output)
	case media.Video:
		rep := art.Video
		fmt.Fprintf(os.Stderr, "\n🏁 Annotation Complete. Wrote %d frames (%.2f fps, %dx%d) to %s\n",
			rep.FramesWritten, rep.Descriptor.FPS, rep.Descriptor.Width, rep.Descriptor.Height, rep.OutputPath)
	}
	return nil
}

func newFrameBar(ctx context.Context, input string) *progressbar.ProgressBar {
	total := int64(video.TotalFrames(ctx, Cfg.Pipeline.FFprobe, input))
	if total <= 0 {
		total = -1 // Trigger spinner mode
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("Annotating"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
}

// defaultOutputPath puts the annotated copy next to the input.
func defaultOutputPath(input string, kind media.Kind) string {
	base := strings.TrimSuffix(input, filepath.Ext(input)) + "_annotated"
	if kind == media.Video {
		return base + ".mp4"
	}
	return base + ".png"
}

// saveImage encodes by the output extension: JPEG for .jpg/.jpeg, PNG otherwise.
func saveImage(res *imaging.Result, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		data, err = res.EncodeJPEG(95)
	default:
		data, err = res.EncodePNG()
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// printFindings lists every detection in engine order, each followed by its advisory.
func printFindings(w io.Writer, res *imaging.Result) {
	if len(res.Findings) == 0 {
		fmt.Fprintln(w, "✅ No wall damage detected.")
		return
	}
	for _, f := range res.Findings {
		fmt.Fprintf(w, "✅ Detected: %s (confidence: %.2f)\n", f.Detection.Label, f.Detection.Confidence)
		if f.HasAdvisory {
			fmt.Fprintf(w, "   %s\n", f.Advisory)
		}
	}
}

func validateAnnotateFlags(opts *AnnotateOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a photo or video file", err, nil)
		return err
	}

	if opts.Confidence < 0 || opts.Confidence > 1.0 {
		err := fmt.Errorf("must be between 0.0 and 1.0, got %f", opts.Confidence)
		utils.ShowError("Invalid confidence threshold", err, nil)
		return err
	}

	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return nil
}
