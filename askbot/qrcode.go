package askbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/skip2/go-qrcode"
)

const (
	qrCodeSize        = 512
	qrCodeContentType = "image/png"
	qrCodeMaxQuestion = 256

	// a version 40 QR code at low recovery holds 2953 bytes
	qrCodeMaxBytes = 2953
)

var errNoPublicURL = errors.New("no public URL")

// renderQRCode encodes text as a PNG QR code. Text that doesn't fit in
// the largest QR code is truncated.
func renderQRCode(text string) ([]byte, error) {
	if len(text) > qrCodeMaxBytes {
		text = truncateBytes(text, qrCodeMaxBytes)
	}
	return qrcode.Encode(text, qrcode.Low, qrCodeSize)
}

// truncateBytes shortens s to at most n bytes without splitting a rune
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// qrCodePath is the object path for the QR code of the answer
// in the given message
func qrCodePath(userID, messageID string) string {
	return fmt.Sprintf("%s/%s.png", userID, messageID)
}

// uploadQRCode renders text, uploads it to storage and returns the
// object's public URL
func uploadQRCode(
	ctx context.Context,
	storage ObjectStorage,
	path string,
	text string,
) (string, error) {
	png, err := renderQRCode(text)
	if err != nil {
		return "", fmt.Errorf("error rendering qr code: %w", err)
	}
	if err = storage.Upload(ctx, path, png, qrCodeContentType); err != nil {
		return "", err
	}
	qrCodesUploaded.Inc()

	publicURL, err := storage.PublicURL(path)
	if err != nil {
		return "", err
	}
	if publicURL == "" {
		return "", errNoPublicURL
	}
	return publicURL, nil
}
