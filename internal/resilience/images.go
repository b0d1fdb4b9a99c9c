package resilience

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/crewline/helmsman/internal/model"
)

// MaxScaleLevel is the last rung of the downscale ladder.
const MaxScaleLevel = 3

// scaleLadder holds the linear scale factor applied at each downscale
// level. Level 0 is the original capture.
var scaleLadder = [MaxScaleLevel + 1]float64{1.0, 0.7, 0.5, 0.35}

// ScaleFactor returns the linear factor for a ladder level, clamped to
// the ladder bounds.
func ScaleFactor(level int) float64 {
	if level < 0 {
		level = 0
	}
	if level > MaxScaleLevel {
		level = MaxScaleLevel
	}
	return scaleLadder[level]
}

// DownscalePart re-encodes an image at the given ladder level. The
// factor is applied relative to the original capture, so a part already
// at level 1 moving to level 2 is scaled by 0.5/0.7 of its current size.
func DownscalePart(part model.ImagePart, level int) (model.ImagePart, error) {
	if level <= part.ScaleLevel {
		return part, nil
	}
	if level > MaxScaleLevel {
		level = MaxScaleLevel
	}

	src, _, err := image.Decode(bytes.NewReader(part.Data))
	if err != nil {
		return part, fmt.Errorf("decode image for downscale: %w", err)
	}

	ratio := ScaleFactor(level) / ScaleFactor(part.ScaleLevel)
	bounds := src.Bounds()
	w := int(float64(bounds.Dx()) * ratio)
	h := int(float64(bounds.Dy()) * ratio)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return part, fmt.Errorf("encode downscaled image: %w", err)
	}

	return model.ImagePart{
		Data:       buf.Bytes(),
		MediaType:  "image/png",
		Width:      w,
		Height:     h,
		ScaleLevel: level,
	}, nil
}

// DownscaleHistory moves every image in the history to the given ladder
// level. Parts that fail to decode are left untouched rather than
// dropped. The returned slice shares no image data with the input.
func DownscaleHistory(messages []model.Message, level int) []model.Message {
	out := make([]model.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if !msg.HasImages() {
			continue
		}
		images := make([]model.ImagePart, len(msg.Images))
		for j, part := range msg.Images {
			scaled, err := DownscalePart(part, level)
			if err != nil {
				images[j] = part
				continue
			}
			images[j] = scaled
		}
		out[i].Images = images
	}
	return out
}
