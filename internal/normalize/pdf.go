package normalize

import (
	"bytes"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

var pdfMagic = []byte("%PDF-")

func isPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// rasterizeFirstPage renders page 1 of a PDF and reports the total page count.
func rasterizeFirstPage(data []byte) (image.Image, int, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages == 0 {
		return nil, 0, fmt.Errorf("PDF has no pages")
	}

	img, err := doc.Image(0)
	if err != nil {
		return nil, pages, fmt.Errorf("failed to render first PDF page: %w", err)
	}
	return img, pages, nil
}
