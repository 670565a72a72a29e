// Package imageio reads microscopy tiles into gonum matrices and writes the
// resulting flat-field image back to disk.
package imageio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrUnsupportedFormat is returned for extensions no decoder handles
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrRawSize is returned when a raw file does not match the configured geometry
	ErrRawSize = errors.New("raw file size does not match geometry")
)

// rawHeaderSize is the optional header of a raw tile: width and height as
// little-endian uint32.
const rawHeaderSize = 8

// Decoder turns a path into a matrix of pixel intensities. Rows are image
// rows, values are raw sensor counts (not rescaled).
type Decoder interface {
	Decode(path string) (*mat.Dense, error)
}

// FileDecoder dispatches on the file extension
type FileDecoder struct {
	// RawWidth and RawHeight give the geometry of headerless raw tiles
	RawWidth  int
	RawHeight int
}

// NewFileDecoder creates a decoder for tif/tiff and raw tiles
func NewFileDecoder(rawWidth, rawHeight int) *FileDecoder {
	return &FileDecoder{RawWidth: rawWidth, RawHeight: rawHeight}
}

// Decode reads the image at path
func (d *FileDecoder) Decode(path string) (*mat.Dense, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return d.decodeTIFF(path)
	case ".raw":
		return d.decodeRaw(path)
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
}

func (d *FileDecoder) decodeTIFF(path string) (*mat.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := tiff.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decoding %s: empty image", path)
	}
	return ImageToDense(img), nil
}

func (d *FileDecoder) decodeRaw(path string) (*mat.Dense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeRaw(data, d.RawWidth, d.RawHeight)
}

// DecodeRaw interprets data as little-endian uint16 pixels. Headerless data
// must hold exactly width*height pixels; otherwise an 8-byte header carrying
// the geometry is expected.
func DecodeRaw(data []byte, width, height int) (*mat.Dense, error) {
	if width > 0 && height > 0 && len(data) == 2*width*height {
		return rawPixels(data, width, height), nil
	}
	if len(data) >= rawHeaderSize {
		w := int(binary.LittleEndian.Uint32(data[0:4]))
		h := int(binary.LittleEndian.Uint32(data[4:8]))
		if w > 0 && h > 0 && len(data)-rawHeaderSize == 2*w*h {
			return rawPixels(data[rawHeaderSize:], w, h), nil
		}
	}
	return nil, fmt.Errorf("%d bytes for %dx%d: %w", len(data), width, height, ErrRawSize)
}

func rawPixels(data []byte, width, height int) *mat.Dense {
	pix := make([]float64, width*height)
	for i := range pix {
		pix[i] = float64(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return mat.NewDense(height, width, pix)
}

// ImageToDense converts a decoded image into a matrix of gray intensities.
// 8 and 16 bit gray images keep their native value range.
func ImageToDense(img image.Image) *mat.Dense {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	pix := make([]float64, width*height)

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				pix[y*width+x] = float64(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				pix[y*width+x] = float64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				pix[y*width+x] = float64(g.Y)
			}
		}
	}

	return mat.NewDense(height, width, pix)
}
