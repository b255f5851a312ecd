package video

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/sirupsen/logrus"
)

// ffprobeOutput is the subset of `ffprobe -of json` we read.
type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Probe reads the stream descriptor of the first video stream.
func Probe(ctx context.Context, ffprobe, path string) (types.StreamDescriptor, error) {
	cmd := exec.CommandContext(ctx, ffprobe, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return types.StreamDescriptor{}, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(string(ee.Stderr)))
		}
		return types.StreamDescriptor{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseDescriptor(out)
}

func parseDescriptor(out []byte) (types.StreamDescriptor, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return types.StreamDescriptor{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return types.StreamDescriptor{}, fmt.Errorf("no video stream found")
	}
	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return types.StreamDescriptor{}, fmt.Errorf("invalid dimensions %dx%d", s.Width, s.Height)
	}

	// r_frame_rate is the container's nominal rate; avg_frame_rate only fills in when it is missing.
	fps, err := parseRational(s.RFrameRate)
	if err != nil || fps <= 0 {
		fps, err = parseRational(s.AvgFrameRate)
	}
	if err != nil || fps <= 0 {
		return types.StreamDescriptor{}, fmt.Errorf("cannot determine frame rate (r=%q avg=%q)", s.RFrameRate, s.AvgFrameRate)
	}
	return types.StreamDescriptor{FPS: fps, Width: s.Width, Height: s.Height}, nil
}

// parseRational parses ffprobe rates such as "30/1", "30000/1001" or "25".
func parseRational(s string) (float64, error) {
	num, den, found := strings.Cut(strings.TrimSpace(s), "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("zero denominator in %q", s)
	}
	return n / d, nil
}

// TotalFrames uses ffprobe to count frames for the progress bar.
// It returns 0 if the count fails, allowing the caller to fall back to a spinner.
func TotalFrames(ctx context.Context, ffprobe, path string) int {
	log := logrus.WithFields(logrus.Fields{"function": "TotalFrames", "path": path})

	// 1. Fast Path: Check Container Metadata
	// This is instant but might return "N/A" or be inaccurate for VFR.
	cmdFast := exec.CommandContext(ctx, ffprobe, "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	if out, err := cmdFast.Output(); err == nil {
		if count := parseCount(out, false); count > 0 {
			return count
		}
	}

	// 2. Slow Path: Count Packets (Fallback)
	log.Debug("Frame count missing from metadata, counting packets")
	cmd := exec.CommandContext(ctx, ffprobe, "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		log.WithError(err).Warn("ffprobe packet count failed")
		return 0
	}
	return parseCount(out, true)
}

func parseCount(out []byte, packets bool) int {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	raw := res.Streams[0].NbFrames
	if packets {
		raw = res.Streams[0].NbReadPackets
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0
	}
	return count
}
