package hostfunc

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
)

// ImageClient is the script-facing image capability.
type ImageClient struct{}

func (ImageClient) Create(width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, invalidArgs("image", "width and height must be positive")
	}
	return newImage(image.NewRGBA(image.Rect(0, 0, width, height))), nil
}

func (ImageClient) Parse(input []byte) (*Image, error) {
	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, err
	}
	return newImage(toRGBA(src)), nil
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// Image is an RGBA raster. Pixels are packed as 0xRRGGBBAA.
type Image struct {
	img    *image.RGBA
	Width  int
	Height int
}

func newImage(img *image.RGBA) *Image {
	return &Image{img: img, Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}
}

func (i *Image) Get(x, y int) uint32 {
	c := i.img.RGBAAt(x, y)
	return uint32(c.R)<<24 | uint32(c.G)<<16 | uint32(c.B)<<8 | uint32(c.A)
}

func (i *Image) Set(x, y int, p uint32) {
	i.img.SetRGBA(x, y, color.RGBA{R: uint8(p >> 24), G: uint8(p >> 16), B: uint8(p >> 8), A: uint8(p)})
}

// ToBytes encodes as jpeg, or png when format is "png".
func (i *Image) ToBytes(format string) (Buffer, error) {
	var buf bytes.Buffer
	var err error
	if format == "png" {
		err = png.Encode(&buf, i.img)
	} else {
		err = jpeg.Encode(&buf, i.img, nil)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (i *Image) Resize(width, height uint) *Image {
	return newImage(toRGBA(resize.Resize(width, height, i.img, resize.Bilinear)))
}
