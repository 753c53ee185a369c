package preprocess

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// luminance is a row-major grayscale copy of an image
type luminance struct {
	w, h int
	pix  []uint8
}

func toLuminance(img image.Image) *luminance {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	l := &luminance{w: b.Dx(), h: b.Dy(), pix: make([]uint8, b.Dx()*b.Dy())}
	for y := 0; y < l.h; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < l.w; x++ {
			l.pix[y*l.w+x] = row[x*4]
		}
	}
	return l
}

func (l *luminance) image(threshold func(x, y int, v uint8) bool) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, l.w, l.h))
	for y := 0; y < l.h; y++ {
		for x := 0; x < l.w; x++ {
			v := l.pix[y*l.w+x]
			if threshold(x, y, v) {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// integral holds summed-area tables of values and squared values
type integral struct {
	w     int
	sum   []float64
	sumSq []float64
}

func newIntegral(l *luminance) *integral {
	stride := l.w + 1
	in := &integral{
		w:     stride,
		sum:   make([]float64, stride*(l.h+1)),
		sumSq: make([]float64, stride*(l.h+1)),
	}
	for y := 1; y <= l.h; y++ {
		var row, rowSq float64
		for x := 1; x <= l.w; x++ {
			v := float64(l.pix[(y-1)*l.w+(x-1)])
			row += v
			rowSq += v * v
			in.sum[y*stride+x] = in.sum[(y-1)*stride+x] + row
			in.sumSq[y*stride+x] = in.sumSq[(y-1)*stride+x] + rowSq
		}
	}
	return in
}

// window returns count, sum and squared sum over [x0,x1) x [y0,y1)
func (in *integral) window(x0, y0, x1, y1 int) (n, s, sq float64) {
	a, b, c, d := y0*in.w+x0, y0*in.w+x1, y1*in.w+x0, y1*in.w+x1
	n = float64((x1 - x0) * (y1 - y0))
	s = in.sum[d] - in.sum[b] - in.sum[c] + in.sum[a]
	sq = in.sumSq[d] - in.sumSq[b] - in.sumSq[c] + in.sumSq[a]
	return n, s, sq
}

func clampWindow(l *luminance, x, y, radius int) (x0, y0, x1, y1 int) {
	return max(x-radius, 0), max(y-radius, 0), min(x+radius+1, l.w), min(y+radius+1, l.h)
}

// OtsuThreshold picks the global threshold maximizing between-class variance
func OtsuThreshold(img image.Image) uint8 {
	return otsu(toLuminance(img))
}

func otsu(l *luminance) uint8 {
	var hist [256]int
	for _, v := range l.pix {
		hist[v]++
	}

	total := float64(len(l.pix))
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i * c)
	}

	var sumBg, weightBg, best float64
	var threshold uint8
	for t := 0; t < 256; t++ {
		weightBg += float64(hist[t])
		if weightBg == 0 {
			continue
		}
		weightFg := total - weightBg
		if weightFg == 0 {
			break
		}
		sumBg += float64(t * hist[t])
		meanBg := sumBg / weightBg
		meanFg := (sumAll - sumBg) / weightFg
		between := weightBg * weightFg * (meanBg - meanFg) * (meanBg - meanFg)
		if between > best {
			best = between
			threshold = uint8(t)
		}
	}
	return threshold
}

// OtsuBinarize maps pixels above the Otsu threshold to white, the rest to black
func OtsuBinarize(img image.Image) *image.Gray {
	l := toLuminance(img)
	t := otsu(l)
	return l.image(func(_, _ int, v uint8) bool { return v > t })
}

// AdaptiveBinarize thresholds each pixel against its local mean minus c
func AdaptiveBinarize(img image.Image, window int, c float64) *image.Gray {
	l := toLuminance(img)
	in := newIntegral(l)
	radius := max(window/2, 1)
	return l.image(func(x, y int, v uint8) bool {
		n, s, _ := in.window(clampWindow(l, x, y, radius))
		return float64(v) > s/n-c
	})
}

// SauvolaBinarize uses T = m * (1 + k*(sd/128 - 1)) over a local window
func SauvolaBinarize(img image.Image, window int, k float64) *image.Gray {
	const dynamicRange = 128.0
	l := toLuminance(img)
	in := newIntegral(l)
	radius := max(window/2, 1)
	return l.image(func(x, y int, v uint8) bool {
		n, s, sq := in.window(clampWindow(l, x, y, radius))
		mean := s / n
		sd := math.Sqrt(math.Max(sq/n-mean*mean, 0))
		return float64(v) > mean*(1+k*(sd/dynamicRange-1))
	})
}

// EstimateSkew returns the text rotation in degrees, positive meaning the
// lines rise to the right. It searches ±5° for the angle whose horizontal
// projection profile has the highest variance.
func EstimateSkew(img image.Image) float64 {
	sample := img
	if img.Bounds().Dx() > skewSampleWidth {
		sample = imaging.Resize(img, skewSampleWidth, 0, imaging.Box)
	}

	l := toLuminance(sample)
	t := otsu(l)

	// dark pixel coordinates relative to the centre
	cx, cy := float64(l.w)/2, float64(l.h)/2
	var xs, ys []float64
	for y := 0; y < l.h; y++ {
		for x := 0; x < l.w; x++ {
			if l.pix[y*l.w+x] <= t {
				xs = append(xs, float64(x)-cx)
				ys = append(ys, float64(y)-cy)
			}
		}
	}
	if len(xs) == 0 || len(xs) == len(l.pix) {
		return 0
	}

	bins := l.h * 2
	profile := make([]float64, bins)
	score := func(deg float64) float64 {
		for i := range profile {
			profile[i] = 0
		}
		sin, cos := math.Sincos(deg * math.Pi / 180)
		for i := range xs {
			// row of the point after rotating by -deg
			r := int(math.Round(ys[i]*cos-xs[i]*sin+cy)) + l.h/2
			if r >= 0 && r < bins {
				profile[r]++
			}
		}
		var mean, variance float64
		for _, v := range profile {
			mean += v
		}
		mean /= float64(bins)
		for _, v := range profile {
			variance += (v - mean) * (v - mean)
		}
		return variance
	}

	bestAngle, bestScore := 0.0, score(0)
	for deg := -maxSkewDegrees; deg <= maxSkewDegrees+1e-9; deg += skewStepDegrees {
		if s := score(deg); s > bestScore*1.0001 {
			bestAngle, bestScore = deg, s
		}
	}
	return -bestAngle
}
