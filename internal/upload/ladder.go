package upload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // decoder registration

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // decoder registration
)

// Rung is one step of the degradation ladder. A zero MaxWidth keeps the
// original dimensions; a zero Quality keeps the original bytes untouched.
type Rung struct {
	MaxWidth int `yaml:"max_width"`
	Quality  int `yaml:"quality"`
}

// Original reports whether the rung uploads the payload as given.
func (r Rung) Original() bool { return r.MaxWidth == 0 && r.Quality == 0 }

func (r Rung) String() string {
	if r.Original() {
		return "original"
	}
	return fmt.Sprintf("%dpx/q%d", r.MaxWidth, r.Quality)
}

// DefaultLadder is full size, then 720px at quality 60, then 480px at
// quality 50.
var DefaultLadder = []Rung{
	{},
	{MaxWidth: 720, Quality: 60},
	{MaxWidth: 480, Quality: 50},
}

// ErrNotImage is returned when a payload cannot be decoded for re-encoding.
var ErrNotImage = errors.New("upload: payload is not a decodable image")

// Reencode decodes an image (JPEG, PNG or WebP), scales it down to the
// rung's width keeping the aspect ratio, and encodes it as JPEG at the
// rung's quality. Images narrower than MaxWidth are not enlarged.
func Reencode(data []byte, rung Rung) ([]byte, error) {
	if rung.Original() {
		return data, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	img := src
	b := src.Bounds()
	if rung.MaxWidth > 0 && b.Dx() > rung.MaxWidth {
		h := b.Dy() * rung.MaxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, rung.MaxWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}

	quality := rung.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("upload: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
