package matcher

import (
	"image"
	"math"
)

// grayPlane is a luminance view of a rectangle with summed-area tables.
type grayPlane struct {
	w, h  int
	pix   []float64
	sum   []float64 // (w+1)*(h+1) integral of pix
	sumSq []float64 // (w+1)*(h+1) integral of pix²
}

// luminance matches color.GrayModel: (19595R + 38470G + 7471B + 1<<15) >> 24 on 16-bit channels.
func luminance(r, g, b uint8) float64 {
	r16, g16, b16 := uint32(r)|uint32(r)<<8, uint32(g)|uint32(g)<<8, uint32(b)|uint32(b)<<8
	return float64(uint8((19595*r16 + 38470*g16 + 7471*b16 + 1<<15) >> 24))
}

func newGrayPlane(img *image.RGBA, r image.Rectangle) *grayPlane {
	w, h := r.Dx(), r.Dy()
	p := &grayPlane{
		w:     w,
		h:     h,
		pix:   make([]float64, w*h),
		sum:   make([]float64, (w+1)*(h+1)),
		sumSq: make([]float64, (w+1)*(h+1)),
	}
	stride := w + 1
	for y := 0; y < h; y++ {
		off := img.PixOffset(r.Min.X, r.Min.Y+y)
		var rowSum, rowSq float64
		for x := 0; x < w; x++ {
			i := off + x*4
			v := luminance(img.Pix[i], img.Pix[i+1], img.Pix[i+2])
			p.pix[y*w+x] = v
			rowSum += v
			rowSq += v * v
			p.sum[(y+1)*stride+x+1] = p.sum[y*stride+x+1] + rowSum
			p.sumSq[(y+1)*stride+x+1] = p.sumSq[y*stride+x+1] + rowSq
		}
	}
	return p
}

func (p *grayPlane) window(table []float64, x, y, w, h int) float64 {
	s := p.w + 1
	return table[(y+h)*s+x+w] - table[y*s+x+w] - table[(y+h)*s+x] + table[y*s+x]
}

// correlate returns the best zero-mean normalized cross-correlation of t over p, clamped to [0, 1].
func correlate(p *grayPlane, t *template) float64 {
	n := float64(t.w * t.h)
	best := 0.0
	for y := 0; y+t.h <= p.h; y++ {
		for x := 0; x+t.w <= p.w; x++ {
			s := p.window(p.sum, x, y, t.w, t.h)
			sq := p.window(p.sumSq, x, y, t.w, t.h)
			winSSD := sq - s*s/n
			if winSSD < flatEpsilon || t.flat() {
				if flatScore(winSSD, t, s/n) > best {
					best = 1
				}
				continue
			}

			var cross float64
			for ty := 0; ty < t.h; ty++ {
				row := p.pix[(y+ty)*p.w+x : (y+ty)*p.w+x+t.w]
				dev := t.dev[ty*t.w : (ty+1)*t.w]
				for tx, v := range row {
					cross += v * dev[tx]
				}
			}
			score := cross / math.Sqrt(winSSD*t.ssd)
			if score > best {
				best = score
			}
			if best >= 1 {
				return 1
			}
		}
	}
	return math.Max(0, math.Min(1, best))
}

// flatScore handles windows or templates without variance, where correlation is undefined.
func flatScore(winSSD float64, t *template, winMean float64) float64 {
	if winSSD < flatEpsilon && t.flat() && math.Abs(winMean-t.mean) <= FlatMeanTolerance {
		return 1
	}
	return 0
}
