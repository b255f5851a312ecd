// Package annotate renders detections onto RGBA frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/andresmejia3/wallsight/internal/advisory"
	"github.com/andresmejia3/wallsight/internal/types"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Thickness is the box outline width in pixels.
const Thickness = 2

const labelPadding = 2

var palette = map[advisory.Category]color.RGBA{
	advisory.Crack:         {R: 230, G: 57, B: 70, A: 255},
	advisory.Mold:          {R: 46, G: 196, B: 182, A: 255},
	advisory.Corrosion:     {R: 244, G: 162, B: 97, A: 255},
	advisory.Deterioration: {R: 131, G: 56, B: 236, A: 255},
	advisory.Stain:         {R: 255, G: 209, B: 102, A: 255},
}

var unknownColor = color.RGBA{R: 200, G: 200, B: 200, A: 255}

// ColorFor returns the box color for a label. Each known category gets its own color.
func ColorFor(label string) color.RGBA {
	if c, ok := palette[advisory.ParseCategory(label)]; ok {
		return c
	}
	return unknownColor
}

// Caption is the text drawn above a box.
func Caption(d types.Detection) string {
	return fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
}

// Draw renders every detection onto img in place. Boxes are clipped to the image bounds.
func Draw(img *image.RGBA, detections []types.Detection) {
	for _, d := range detections {
		rect := d.Box.Rect().Intersect(img.Bounds())
		if rect.Empty() {
			continue
		}
		c := ColorFor(d.Label)
		drawOutline(img, rect, c)
		drawCaption(img, rect, Caption(d), c)
	}
}

// Plot copies src into a new RGBA buffer and draws the detections on it.
// src is left untouched.
func Plot(src image.Image, detections []types.Detection) *image.RGBA {
	dst := ToRGBA(src, true)
	Draw(dst, detections)
	return dst
}

// ToRGBA returns src as *image.RGBA. When src already is one and copy is false it is returned as is.
func ToRGBA(src image.Image, copy bool) *image.RGBA {
	if m, ok := src.(*image.RGBA); ok && !copy {
		return m
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

func drawOutline(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	t := Thickness
	if t > rect.Dx()/2 {
		t = max(rect.Dx()/2, 1)
	}
	if t > rect.Dy()/2 {
		t = max(rect.Dy()/2, 1)
	}
	fillRect(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+t), c) // Top
	fillRect(img, image.Rect(rect.Min.X, rect.Max.Y-t, rect.Max.X, rect.Max.Y), c) // Bottom
	fillRect(img, image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+t, rect.Max.Y), c) // Left
	fillRect(img, image.Rect(rect.Max.X-t, rect.Min.Y, rect.Max.X, rect.Max.Y), c) // Right
}

// drawCaption puts the label on a filled band above the box, or just inside its
// top edge when there is no room above.
func drawCaption(img *image.RGBA, rect image.Rectangle, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: img, Src: image.NewUniform(textColor(c)), Face: face}
	w := d.MeasureString(text).Ceil() + 2*labelPadding
	h := face.Height + 2*labelPadding

	top := rect.Min.Y - h
	if top < img.Bounds().Min.Y {
		top = rect.Min.Y
	}
	band := image.Rect(rect.Min.X, top, rect.Min.X+w, top+h).Intersect(img.Bounds())
	if band.Empty() {
		return
	}
	fillRect(img, band, c)
	d.Dot = fixed.P(band.Min.X+labelPadding, top+labelPadding+face.Ascent)
	d.DrawString(text)
}

// textColor picks black or white text for contrast against the band.
func textColor(bg color.RGBA) color.RGBA {
	lum := (299*int(bg.R) + 587*int(bg.G) + 114*int(bg.B)) / 1000
	if lum > 140 {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: 255, G: 255, B: 255, A: 255}
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}
