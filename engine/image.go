package engine

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// DecodeImage decodes an uploaded file (png, jpeg, avif, anything the OpenCV
// build can read) into an image.Image.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("decoded image is empty or unsupported format")
	}
	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	return img, nil
}

// ReadImage loads an image file from disk.
func ReadImage(path string) (image.Image, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("cannot read image %s", path)
	}
	return mat.ToImage()
}
