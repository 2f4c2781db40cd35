package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/autolabel/pkg/types"
)

// Processor handles image processing operations
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// LoadImage loads an image from a file path with WebP support. EXIF
// orientation is applied so boxes refer to the image as viewers show it.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	// Fallback: explicit WebP decode
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if img, err := webp.Decode(f); err == nil {
		return img, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if img, _, err := image.Decode(f); err == nil {
			return img, nil
		}
	}
	return nil, fmt.Errorf("image: unknown or corrupt format for %s", path)
}

// ScaledSize returns the dimensions PrepareImageForModel produces for an
// image of the given bounds
func ScaledSize(bounds image.Rectangle, maxDim int) (int, int) {
	w, h := bounds.Dx(), bounds.Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, int(math.Round(float64(h) * float64(maxDim) / float64(w)))
	}
	return int(math.Round(float64(w) * float64(maxDim) / float64(h))), maxDim
}

// PrepareImageForModel converts an image to base64 for sending to vision
// models. It returns the size of the encoded image.
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, image.Point, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", image.Point{}, err
		}
	default: // jpg
		if quality <= 0 || quality > 100 {
			quality = 85
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", image.Point{}, err
		}
	}
	size := image.Pt(img.Bounds().Dx(), img.Bounds().Dy())
	return base64.StdEncoding.EncodeToString(buf.Bytes()), size, nil
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// palette cycles per class index
var palette = []color.NRGBA{
	{0, 255, 0, 255},
	{255, 204, 0, 255},
	{255, 0, 0, 255},
	{0, 170, 255, 255},
	{255, 0, 255, 255},
	{0, 255, 255, 255},
	{255, 128, 0, 255},
	{128, 0, 255, 255},
}

// ClassColor returns the overlay colour for a class index
func ClassColor(index int) color.NRGBA {
	if index < 0 {
		index = -index
	}
	return palette[index%len(palette)]
}

// CreateDebugOverlay draws every detection box with its class name and
// confidence. classIndex maps a class name to its palette slot.
func (p *Processor) CreateDebugOverlay(img image.Image, detections []types.Detection, classIndex func(string) int) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	stroke := int(math.Max(2, 0.004*float64(minInt(w, h)))) // ~0.4% of min side

	for _, d := range detections {
		c := ClassColor(classIndex(d.ClassName))
		x0, y0, x1, y1 := boxToPixels(d.Box, w, h)
		drawRect(nrgba, x0, y0, x1, y1, c, stroke)
		drawLabel(nrgba, x0, y0, fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence), c)
	}

	return nrgba
}

// Helper functions
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func boxToPixels(box types.BBox, w, h int) (int, int, int, int) {
	bx0, by0, bx1, by1 := box.Corners()
	x0 := int(clamp(bx0, 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(by0, 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(bx1, 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(by1, 0, 1)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawRect(img *image.NRGBA, x0, y0, x1, y1 int, color color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, color)
		drawHLine(img, y1-1-s, x0, x1, color)
		drawVLine(img, x0+s, y0, y1, color)
		drawVLine(img, x1-1-s, y0, y1, color)
	}
}

// drawLabel writes text on a filled strip above the box, or inside it at the top edge
func drawLabel(img *image.NRGBA, x, y int, text string, c color.NRGBA) {
	face := basicfont.Face7x13
	tw := font.MeasureString(face, text).Ceil()
	th := face.Metrics().Height.Ceil()

	top := y - th
	if top < 0 {
		top = y
	}
	for row := top; row < top+th; row++ {
		drawHLine(img, row, x, x+tw+2, c)
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{0, 0, 0, 255}),
		Face: face,
		Dot:  fixed.P(x+1, top+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
