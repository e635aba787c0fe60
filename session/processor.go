package session

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/terava/loupe/media"
)

// frameToRGBA converts the compositor's ARGB8888 pixel buffer into an
// image.RGBA. The alpha channel is forced opaque; compositors deliver
// garbage alpha for opaque surfaces.
func frameToRGBA(f media.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		src := i * 4
		dst := i * 4
		if src+3 >= len(f.PixelData) {
			break
		}
		img.Pix[dst+0] = f.PixelData[src+1]
		img.Pix[dst+1] = f.PixelData[src+2]
		img.Pix[dst+2] = f.PixelData[src+3]
		img.Pix[dst+3] = 0xFF
	}
	return img
}

// processFrame crops the capture to the tracker rectangle and scales the
// result to the encoder size. The crop is clamped to the frame bounds so
// a rectangle computed against stale screen geometry cannot panic.
func processFrame(f media.Frame, crop media.Rectangle, outW, outH int) *image.RGBA {
	src := frameToRGBA(f)

	r := image.Rect(crop.X, crop.Y, crop.X+crop.Width, crop.Y+crop.Height)
	r = r.Intersect(src.Bounds())
	if r.Empty() {
		r = src.Bounds()
	}

	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	if r.Dx() == outW && r.Dy() == outH {
		xdraw.Copy(out, image.Point{}, src, r, xdraw.Src, nil)
		return out
	}

	// ApproxBiLinear keeps the per-frame cost low enough for the
	// real-time path; CatmullRom is visibly better but ~4x slower.
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), src, r, xdraw.Src, nil)
	return out
}
