package qr

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{"type":"attendance_verification","event_id":12,"token_id":"0b6f7a52-1d77-4a4f-9a55-3c2a4f0e2b11","issued_at":"2026-03-14T09:30:00Z"}`

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer(0)

	img, err := r.Render(samplePayload)
	require.NoError(t, err)

	decoded, err := png.Decode(bytes.NewReader(img))
	require.NoError(t, err)
	assert.Equal(t, DefaultSize, decoded.Bounds().Dx())
}

func TestRenderer_Idempotent(t *testing.T) {
	r := NewRenderer(256)

	first, err := r.Render(samplePayload)
	require.NoError(t, err)
	second, err := r.Render(samplePayload)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRenderer_EmptyPayload(t *testing.T) {
	_, err := NewRenderer(256).Render("")
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestRenderer_RenderBase64(t *testing.T) {
	r := NewRenderer(256)

	dataURL, err := r.RenderBase64(samplePayload)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dataURL, "data:image/png;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, "data:image/png;base64,"))
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(raw))
	assert.NoError(t, err)
}
