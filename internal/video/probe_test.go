package video

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/wallsight/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		want    types.StreamDescriptor
		wantErr bool
	}{
		{
			name: "constant rate",
			json: `{"streams":[{"width":640,"height":480,"r_frame_rate":"30/1","avg_frame_rate":"30/1"}]}`,
			want: types.StreamDescriptor{FPS: 30, Width: 640, Height: 480},
		},
		{
			name: "ntsc",
			json: `{"streams":[{"width":1920,"height":1080,"r_frame_rate":"30000/1001","avg_frame_rate":"30000/1001"}]}`,
			want: types.StreamDescriptor{FPS: 30000.0 / 1001.0, Width: 1920, Height: 1080},
		},
		{
			name: "variable rate keeps the nominal rate",
			json: `{"streams":[{"width":1280,"height":720,"r_frame_rate":"30/1","avg_frame_rate":"2997/100"}]}`,
			want: types.StreamDescriptor{FPS: 30, Width: 1280, Height: 720},
		},
		{
			name: "average missing",
			json: `{"streams":[{"width":320,"height":240,"r_frame_rate":"25/1","avg_frame_rate":"0/0"}]}`,
			want: types.StreamDescriptor{FPS: 25, Width: 320, Height: 240},
		},
		{
			name: "nominal missing",
			json: `{"streams":[{"width":320,"height":240,"r_frame_rate":"0/0","avg_frame_rate":"24/1"}]}`,
			want: types.StreamDescriptor{FPS: 24, Width: 320, Height: 240},
		},
		{name: "no streams", json: `{"streams":[]}`, wantErr: true},
		{name: "zero size", json: `{"streams":[{"width":0,"height":0,"r_frame_rate":"30/1"}]}`, wantErr: true},
		{name: "no rate", json: `{"streams":[{"width":10,"height":10,"r_frame_rate":"0/0","avg_frame_rate":"N/A"}]}`, wantErr: true},
		{name: "garbage", json: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDescriptor([]byte(tt.json))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Width, got.Width)
			assert.Equal(t, tt.want.Height, got.Height)
			assert.InDelta(t, tt.want.FPS, got.FPS, 1e-9)
		})
	}
}

func TestParseRational(t *testing.T) {
	v, err := parseRational("30000/1001")
	require.NoError(t, err)
	assert.InDelta(t, 29.97, v, 0.001)

	v, err = parseRational(" 25 ")
	require.NoError(t, err)
	assert.Equal(t, 25.0, v)

	_, err = parseRational("1/0")
	assert.Error(t, err)
	_, err = parseRational("N/A")
	assert.Error(t, err)
}

func TestParseCount(t *testing.T) {
	assert.Equal(t, 300, parseCount([]byte(`{"streams":[{"nb_frames":"300"}]}`), false))
	assert.Equal(t, 0, parseCount([]byte(`{"streams":[{"nb_frames":"N/A"}]}`), false))
	assert.Equal(t, 42, parseCount([]byte(`{"streams":[{"nb_read_packets":"42"}]}`), true))
	assert.Equal(t, 0, parseCount([]byte(`{}`), true))
}

func TestDecoderArgs(t *testing.T) {
	args := DecoderArgs("clip.mov")
	assert.Contains(t, args, "clip.mov")
	assert.Subset(t, args, []string{"-f", "rawvideo", "-pix_fmt", "rgba", "-vsync", "0"})
	assert.Equal(t, "-", args[len(args)-1], "frames must go to stdout")
}

func TestEncoderArgs(t *testing.T) {
	desc := types.StreamDescriptor{FPS: 29.97, Width: 1280, Height: 720}
	args := EncoderArgs("out.mp4", desc, Codec)

	assert.Equal(t, "out.mp4", args[len(args)-1])
	assert.Subset(t, args, []string{"1280x720", "29.97", "mpeg4", "mp4"})
	// The rate is declared on the input and forced on the output.
	count := 0
	for _, a := range args {
		if a == "29.97" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestPackedStripsStride(t *testing.T) {
	parent := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range parent.Pix {
		parent.Pix[i] = byte(i)
	}
	sub := parent.SubImage(image.Rect(1, 1, 3, 3)).(*image.RGBA)

	out := packed(sub)
	require.Len(t, out, 2*2*4)
	assert.Equal(t, parent.Pix[parent.PixOffset(1, 1)], out[0])
	assert.Equal(t, parent.Pix[parent.PixOffset(1, 2)], out[8])

	full := image.NewRGBA(image.Rect(0, 0, 2, 2))
	assert.Same(t, &full.Pix[0], &packed(full)[0], "packed frames are written without copying")
}

func TestOpenErrorMatching(t *testing.T) {
	src := &OpenError{Stage: "source", Path: "a.mp4", Err: os.ErrNotExist}
	assert.ErrorIs(t, src, ErrInputOpen)
	assert.ErrorIs(t, src, os.ErrNotExist)
	assert.NotErrorIs(t, src, ErrSinkOpen)

	sink := &OpenError{Stage: "sink", Path: "b.mp4", Err: os.ErrPermission}
	assert.ErrorIs(t, sink, ErrSinkOpen)
	assert.NotErrorIs(t, sink, ErrInputOpen)
}

func TestFFmpegOpenerRejectsBadInputs(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.mp4")
	require.NoError(t, os.WriteFile(empty, nil, 0644))

	opener := FFmpegOpener{}
	_, err := opener.OpenSource(context.Background(), filepath.Join(dir, "missing.mp4"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = opener.OpenSource(context.Background(), empty)
	assert.Error(t, err)

	_, err = opener.OpenSink(context.Background(), filepath.Join(dir, "out.mp4"), types.StreamDescriptor{}, Codec)
	assert.Error(t, err, "zero descriptor must be rejected before ffmpeg starts")

	_, err = opener.OpenSink(context.Background(), filepath.Join(dir, "no", "such", "out.mp4"), vga, Codec)
	assert.Error(t, err, "unwritable output must fail before any frame is processed")
}
