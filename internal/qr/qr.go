// Package qr renders check-in payloads as QR code images. Images are derived
// data: they are regenerated on every request and never stored.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/skip2/go-qrcode"
)

const DefaultSize = 300

var ErrEmptyPayload = errors.New("qr: empty payload")

type Renderer struct {
	size  int
	level qrcode.RecoveryLevel
}

func NewRenderer(size int) *Renderer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Renderer{size: size, level: qrcode.Medium}
}

// Render returns the PNG encoding of payload.
func (r *Renderer) Render(payload string) ([]byte, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	png, err := qrcode.Encode(payload, r.level, r.size)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR png: %w", err)
	}
	return png, nil
}

// RenderBase64 returns the PNG as a data URL, ready for an <img> tag.
func (r *Renderer) RenderBase64(payload string) (string, error) {
	png, err := r.Render(payload)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
