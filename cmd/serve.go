package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/wallsight/internal/advisory"
	"github.com/andresmejia3/wallsight/internal/imaging"
	"github.com/andresmejia3/wallsight/internal/media"
	"github.com/andresmejia3/wallsight/internal/server"
	"github.com/andresmejia3/wallsight/internal/utils"
	"github.com/andresmejia3/wallsight/internal/video"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the annotation pipeline over HTTP (POST /detect, GET /health)",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("addr") {
			serveAddr = Cfg.Server.Addr
		}
		if err := utils.CheckBinary(Cfg.Pipeline.FFmpeg); err != nil {
			// Images still work without ffmpeg
			fmt.Fprintf(os.Stderr, "⚠️  %v: video uploads will fail\n", err)
		}
		return loadEngine(cmd.Context())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	srv := server.New(newRouter(), server.Options{
		Threshold:      Cfg.Pipeline.Confidence,
		TempDir:        Cfg.Media.TempDir,
		MaxUploadBytes: Cfg.Server.MaxUploadMB << 20,
		Health:         engineHealth,
	})

	fmt.Fprintf(os.Stderr, "🚀 Server starting on http://localhost%s\n", serveAddr)
	if err := server.ListenAndServe(ctx, serveAddr, srv.Handler()); err != nil {
		utils.ShowError("Server failed", err, nil)
		return err
	}
	fmt.Fprintln(os.Stderr, "\n🏁 Server stopped.")
	return nil
}

// newRouter wires the shared engine into both pipelines using the loaded configuration.
func newRouter() *media.Router {
	locale, _ := advisory.ParseLocale(Cfg.Locale)
	transcoder := &video.Transcoder{
		Detector: Engine,
		Opener:   video.FFmpegOpener{FFmpeg: Cfg.Pipeline.FFmpeg, FFprobe: Cfg.Pipeline.FFprobe},
		Workers:  Cfg.Pipeline.Workers,
	}
	if Cfg.Pipeline.LenientReads {
		transcoder.ReadErrors = video.ReadErrorStop
	}
	return &media.Router{
		Image:   &imaging.Pipeline{Detector: Engine, Advisor: advisory.New(locale)},
		Video:   transcoder,
		Outputs: media.TempOutputs{Dir: Cfg.Media.TempDir},
		Strict:  Cfg.Media.Strict,
	}
}
