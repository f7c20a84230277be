package engine

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUndecodable is returned by Prepare when the bytes are not an image in
// any registered format.
var ErrUndecodable = errors.New("failed to read image from memory")

// Prepare decodes image, scales it down so its longest side is at most maxDim
// (0 disables scaling), converts it to 8-bit grayscale, smooths it with a 3x3
// opening followed by a 3x3 closing and returns it PNG-encoded.
func Prepare(data []byte, maxDim int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrUndecodable)
	}

	w, h := fitWithin(b.Dx(), b.Dy(), maxDim)
	gray := image.NewGray(image.Rect(0, 0, w, h))
	if w != b.Dx() || h != b.Dy() {
		xdraw.ApproxBiLinear.Scale(gray, gray.Bounds(), src, b, xdraw.Src, nil)
	} else {
		xdraw.Draw(gray, gray.Bounds(), src, b.Min, xdraw.Src)
	}

	gray = dilate(erode(gray)) // opening
	gray = erode(dilate(gray)) // closing

	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		return nil, fmt.Errorf("encode grayscale image: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin returns w x h scaled to fit a maxDim square, keeping aspect ratio.
func fitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		nh := h * maxDim / w
		if nh < 1 {
			nh = 1
		}
		return maxDim, nh
	}
	nw := w * maxDim / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxDim
}

func erode(g *image.Gray) *image.Gray {
	return filter3x3(g, func(cur, v uint8) bool { return v < cur })
}

func dilate(g *image.Gray) *image.Gray {
	return filter3x3(g, func(cur, v uint8) bool { return v > cur })
}

// filter3x3 replaces each pixel with the neighbour preferred by better.
// Pixels outside the image are ignored.
func filter3x3(g *image.Gray, better func(cur, v uint8) bool) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			best := g.GrayAt(x, y).Y
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					p := image.Pt(x+dx, y+dy)
					if !p.In(b) {
						continue
					}
					if v := g.GrayAt(p.X, p.Y).Y; better(best, v) {
						best = v
					}
				}
			}
			out.Pix[out.PixOffset(x, y)] = best
		}
	}
	return out
}
