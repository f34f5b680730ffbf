package placeholder

import (
	"bytes"
	"image/png"
	"testing"
)

func TestRender_SizeAndBackground(t *testing.T) {
	data, err := Render("dashboard1", 320, 180)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 320 || b.Dy() != 180 {
		t.Fatalf("size: %v", b)
	}
	r, g, bl, _ := img.At(1, 1).RGBA()
	if r>>8 != 0x1e || g>>8 != 0x28 || bl>>8 != 0x36 {
		t.Fatalf("corner colour: %x %x %x", r>>8, g>>8, bl>>8)
	}
}

func TestRender_DrawsText(t *testing.T) {
	data, err := Render("dashboard2", 400, 240)
	if err != nil {
		t.Fatal(err)
	}
	img, _ := png.Decode(bytes.NewReader(data))
	bg := img.At(0, 0)
	found := false
	for x := 0; x < 400 && !found; x++ {
		if img.At(x, 120-10) != bg || img.At(x, 120) != bg {
			found = true
		}
	}
	if !found {
		t.Fatal("no text pixels on the centre band")
	}
}

func TestRender_Defaults(t *testing.T) {
	data, err := Render("x", 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != DefaultWidth || cfg.Height != DefaultHeight {
		t.Fatalf("size: %dx%d", cfg.Width, cfg.Height)
	}
}

func TestCache_Memoises(t *testing.T) {
	c := NewCache(64, 36)
	a, err := c.Get("dashboard1")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.Get("dashboard1")
	if &a[0] != &b[0] {
		t.Fatal("second Get re-rendered")
	}
	if _, err := c.Get("dashboard2"); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("len: %d", c.Len())
	}
}
