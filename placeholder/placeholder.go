// Package placeholder renders the "loading" image served for targets that
// have never been captured.
package placeholder

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
)

// Default size matches the crop of the default 3200x1800 viewport.
const (
	DefaultWidth  = 2133
	DefaultHeight = 1200
)

// Subtitle is drawn under the title of every placeholder.
const Subtitle = "Capturing dashboard in real time..."

var (
	background = color.RGBA{0x1e, 0x28, 0x36, 0xff}
	titleColor = color.RGBA{0xd2, 0xf7, 0xd0, 0xff}
	subColor   = color.RGBA{0x88, 0x88, 0x88, 0xff}
)

var (
	fontsOnce sync.Once
	boldFont  *opentype.Font
	plainFont *opentype.Font
	fontsErr  error
)

func loadFonts() error {
	fontsOnce.Do(func() {
		boldFont, fontsErr = opentype.Parse(gobold.TTF)
		if fontsErr != nil {
			return
		}
		plainFont, fontsErr = opentype.Parse(goregular.TTF)
	})
	return fontsErr
}

func face(f *opentype.Font, size float64) (font.Face, error) {
	return opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
}

// Render draws a w x h PNG announcing that id is still loading. Non-positive
// sizes fall back to the defaults.
func Render(id string, w, h int) ([]byte, error) {
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	if err := loadFonts(); err != nil {
		return nil, fmt.Errorf("placeholder: parse font: %w", err)
	}

	// Title height is a fixed share of the canvas so the text reads the
	// same on a phone preview and a wall screen.
	titleSize := float64(h) / 15
	if titleSize < 8 {
		titleSize = 8
	}
	titleFace, err := face(boldFont, titleSize)
	if err != nil {
		return nil, fmt.Errorf("placeholder: title face: %w", err)
	}
	defer titleFace.Close()
	subFace, err := face(plainFont, titleSize/2)
	if err != nil {
		return nil, fmt.Errorf("placeholder: subtitle face: %w", err)
	}
	defer subFace.Close()

	dc := gg.NewContext(w, h)
	dc.SetColor(background)
	dc.Clear()

	cx, cy := float64(w)/2, float64(h)/2
	dc.SetFontFace(titleFace)
	dc.SetColor(titleColor)
	dc.DrawStringAnchored("Loading "+id, cx, cy-titleSize/2, 0.5, 0.5)

	dc.SetFontFace(subFace)
	dc.SetColor(subColor)
	dc.DrawStringAnchored(Subtitle, cx, cy+titleSize/1.5, 0.5, 0.5)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dc.Image()); err != nil {
		return nil, fmt.Errorf("placeholder: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Cache memoises rendered placeholders per id. All entries share one size.
type Cache struct {
	w, h int

	mu     sync.Mutex
	images map[string][]byte
}

// NewCache returns a cache rendering w x h images.
func NewCache(w, h int) *Cache {
	return &Cache{w: w, h: h, images: make(map[string][]byte)}
}

// Get returns the placeholder for id, rendering it on first use.
func (c *Cache) Get(id string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if img, ok := c.images[id]; ok {
		return img, nil
	}
	img, err := Render(id, c.w, c.h)
	if err != nil {
		return nil, err
	}
	c.images[id] = img
	return img, nil
}

// Len reports how many ids have been rendered.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.images)
}
