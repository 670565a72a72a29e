package imageio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"
)

// FlatPath returns the conventional location of the flat image for a source
// folder: <parent>/<folder>_flat.<ext>
func FlatPath(sourceDir, ext string) string {
	clean := filepath.Clean(sourceDir)
	return filepath.Join(filepath.Dir(clean), filepath.Base(clean)+"_flat."+strings.TrimPrefix(ext, "."))
}

// PreviewPath returns the location of the 8-bit preview for a source folder
func PreviewPath(sourceDir string) string {
	clean := filepath.Clean(sourceDir)
	return filepath.Join(filepath.Dir(clean), filepath.Base(clean)+"_flat_preview.png")
}

// ToGray16 maps a [0,1] image to the full 16-bit range, clamping outliers
func ToGray16(m mat.Matrix) *image.Gray16 {
	rows, cols := m.Dims()
	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			value := uint16(math.Round(math.Max(0, math.Min(65535, m.At(y, x)*65535))))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// ToGray8 maps a [0,1] image to 8 bits, clamping outliers
func ToGray8(m mat.Matrix) *image.Gray {
	rows, cols := m.Dims()
	img := image.NewGray(image.Rect(0, 0, cols, rows))
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			value := uint8(math.Round(math.Max(0, math.Min(255, m.At(y, x)*255))))
			img.SetGray(x, y, color.Gray{Y: value})
		}
	}
	return img
}

// WriteTIFF saves a [0,1] image as an uncompressed 16-bit grayscale TIFF
func WriteTIFF(m mat.Matrix, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := tiff.Encode(file, ToGray16(m), &tiff.Options{Compression: tiff.Uncompressed}); err != nil {
		return fmt.Errorf("encoding %s: %w", filename, err)
	}
	return file.Close()
}

// WriteRaw saves a [0,1] image as a raw tile with a geometry header,
// readable again by DecodeRaw
func WriteRaw(m mat.Matrix, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	rows, cols := m.Dims()
	w := bufio.NewWriter(file)
	header := make([]byte, rawHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(cols))
	binary.LittleEndian.PutUint32(header[4:8], uint32(rows))
	if _, err := w.Write(header); err != nil {
		return err
	}

	img := ToGray16(m)
	buf := make([]byte, 2)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			binary.LittleEndian.PutUint16(buf, img.Gray16At(x, y).Y)
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return file.Close()
}

// WritePreview saves an 8-bit PNG rendition of a [0,1] image
func WritePreview(m mat.Matrix, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, ToGray8(m)); err != nil {
		return fmt.Errorf("encoding %s: %w", filename, err)
	}
	return file.Close()
}

// SaveFlat writes the flat image beside sourceDir in the given format
// ("tif", "raw" or "none") and optionally a PNG preview. It returns the
// paths that were written.
func SaveFlat(m mat.Matrix, sourceDir, format string, preview bool) ([]string, error) {
	var written []string

	switch strings.ToLower(format) {
	case "tif", "tiff":
		path := FlatPath(sourceDir, "tif")
		if err := WriteTIFF(m, path); err != nil {
			return written, err
		}
		written = append(written, path)
	case "raw":
		path := FlatPath(sourceDir, "raw")
		if err := WriteRaw(m, path); err != nil {
			return written, err
		}
		written = append(written, path)
	case "none", "":
	default:
		return written, fmt.Errorf("output format %q: %w", format, ErrUnsupportedFormat)
	}

	if preview {
		path := PreviewPath(sourceDir)
		if err := WritePreview(m, path); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}
