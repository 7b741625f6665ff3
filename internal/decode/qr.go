// Package decode finds QR symbols in delivered frames.
package decode

import (
	"fmt"

	"github.com/bryanchriswhite/QRInspector/internal/imaging"
	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// QRDecoder decodes at most one QR symbol per frame
type QRDecoder struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

// NewQRDecoder creates a decoder. tryHarder trades speed for recall on
// blurred or low-contrast frames.
func NewQRDecoder(tryHarder bool) *QRDecoder {
	hints := map[gozxing.DecodeHintType]interface{}{}
	if tryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}
	return &QRDecoder{
		reader: qrcode.NewQRCodeReader(),
		hints:  hints,
	}
}

// Decode returns the payload of the QR symbol in f, or "" when the frame holds
// none. Only malformed input is reported as an error.
func (d *QRDecoder) Decode(f *imaging.Frame) (string, error) {
	if f == nil || f.Width == 0 || f.Height == 0 {
		return "", fmt.Errorf("empty frame")
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(f.Image())
	if err != nil {
		return "", fmt.Errorf("failed to binarize frame: %w", err)
	}

	result, err := d.reader.Decode(bmp, d.hints)
	if err != nil {
		// not-found, checksum and format errors all mean no usable symbol
		logger.WithComponent("decode").Trace().Err(err).Msg("No QR symbol")
		return "", nil
	}
	return result.GetText(), nil
}
