// Package trayicon implements the pixel filters applied to a docked
// guest icon before it is painted into the host tray. The color-space
// math is hand-rolled against image/color.
package trayicon

import (
	"image"
	"image/color"
)

// Mode selects which filter chain a docked icon gets. It is parsed once
// at startup from the configured trayicon mode and never
// changes for the lifetime of that tray embedder.
type Mode int

const (
	ModeBackground Mode = iota
	ModeBorder1
	ModeBorder2
	ModeTint
)

// TintOptions configures the optional embellishments the --trayicon-mode
// grammar allows layering onto Tint.
type TintOptions struct {
	Border1    bool
	Border2    bool
	Saturation50 bool // halve the VM label's S channel before replacing
	WhiteHack  bool  // remap pure white to near-white so it isn't fully desaturated
}

// VMColor is the label color assigned to one VM, used both to fill a
// transparent background and to drive the TINT hue/saturation swap.
type VMColor struct {
	R, G, B uint8
}

// ParseColor parses an "RRGGBB" hex triple, optionally prefixed with "#"
// or "0x".
func ParseColor(s string) (VMColor, bool) {
	if len(s) > 1 && s[0] == '#' {
		s = s[1:]
	} else if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s) != 6 {
		return VMColor{}, false
	}
	var v [3]uint8
	for i := 0; i < 3; i++ {
		hi, ok1 := hexNibble(s[2*i])
		lo, ok2 := hexNibble(s[2*i+1])
		if !ok1 || !ok2 {
			return VMColor{}, false
		}
		v[i] = hi<<4 | lo
	}
	return VMColor{R: v[0], G: v[1], B: v[2]}, true
}

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// Filter applies mode's pixel transform to src and returns a new image.
// border/border2 may also be requested on top of Tint via opts.
func Filter(src image.Image, mode Mode, vmColor VMColor, opts TintOptions) *image.RGBA {
	bounds := src.Bounds()
	out := image.NewRGBA(bounds)

	switch mode {
	case ModeBackground:
		applyBackground(src, out, vmColor)
	case ModeBorder1:
		applyBackground(src, out, vmColor)
		drawBorder(out, vmColor, 1)
	case ModeBorder2:
		applyBackground(src, out, vmColor)
		drawBorder(out, vmColor, 2)
	case ModeTint:
		applyTint(src, out, vmColor, opts)
		if opts.Border1 {
			drawBorder(out, vmColor, 1)
		}
		if opts.Border2 {
			drawBorder(out, vmColor, 2)
		}
	}
	return out
}

// applyBackground derives a transparency mask from the top-left pixel
// and fills every pixel matching that corner color with vmColor instead.
func applyBackground(src image.Image, out *image.RGBA, vmColor VMColor) {
	b := src.Bounds()
	corner := src.At(b.Min.X, b.Min.Y)
	cr, cg, cb, _ := corner.RGBA()

	fill := color.RGBA{vmColor.R, vmColor.G, vmColor.B, 0xFF}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := src.At(x, y).RGBA()
			if r>>8 == cr>>8 && g>>8 == cg>>8 && bl>>8 == cb>>8 {
				out.Set(x, y, fill)
				continue
			}
			out.Set(x, y, color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8), uint8(a >> 8)})
		}
	}
}

// drawBorder paints a width-pixel VM-colored frame around out's edge.
func drawBorder(out *image.RGBA, vmColor VMColor, width int) {
	b := out.Bounds()
	c := color.RGBA{vmColor.R, vmColor.G, vmColor.B, 0xFF}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if x < b.Min.X+width || x >= b.Max.X-width || y < b.Min.Y+width || y >= b.Max.Y-width {
				out.SetRGBA(x, y, c)
			}
		}
	}
}

// applyTint converts each source pixel to HLS, replaces H and S with the
// VM label's H and S (optionally halved), and converts back. The "white
// hack" remaps pure white input pixels to a near-
// white value first so they don't end up fully desaturated by the swap.
func applyTint(src image.Image, out *image.RGBA, vmColor VMColor, opts TintOptions) {
	labelH, _, labelS := rgbToHLS(vmColor.R, vmColor.G, vmColor.B)
	if opts.Saturation50 {
		labelS /= 2
	}

	b := src.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r32, g32, bl32, a32 := src.At(x, y).RGBA()
			r, g, bl := uint8(r32>>8), uint8(g32>>8), uint8(bl32>>8)

			if opts.WhiteHack && r == 0xFF && g == 0xFF && bl == 0xFF {
				r, g, bl = 0xFE, 0xFE, 0xFE
			}

			_, l, _ := rgbToHLS(r, g, bl)
			nr, ng, nb := hlsToRGB(labelH, l, labelS)
			out.Set(x, y, color.RGBA{nr, ng, nb, uint8(a32 >> 8)})
		}
	}
}

// rgbToHLS converts an 8-bit RGB triple to (hue, lightness, saturation),
// each normalized to [0,1]. This is the standard HSL decomposition;
// naming follows the HLS (hue/lightness/saturation) ordering.
func rgbToHLS(r, g, b uint8) (h, l, s float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	max := maxf(rf, gf, bf)
	min := minf(rf, gf, bf)
	l = (max + min) / 2

	if max == min {
		return 0, l, 0
	}

	d := max - min
	if l > 0.5 {
		s = d / (2 - max - min)
	} else {
		s = d / (max + min)
	}

	switch max {
	case rf:
		h = (gf - bf) / d
		if gf < bf {
			h += 6
		}
	case gf:
		h = (bf-rf)/d + 2
	case bf:
		h = (rf-gf)/d + 4
	}
	h /= 6
	return h, l, s
}

// hlsToRGB is the inverse of rgbToHLS.
func hlsToRGB(h, l, s float64) (r, g, b uint8) {
	if s == 0 {
		v := uint8(clamp01(l) * 255)
		return v, v, v
	}

	var q float64
	if l < 0.5 {
		q = l * (1 + s)
	} else {
		q = l + s - l*s
	}
	p := 2*l - q

	r = uint8(clamp01(hueToRGB(p, q, h+1.0/3)) * 255)
	g = uint8(clamp01(hueToRGB(p, q, h)) * 255)
	b = uint8(clamp01(hueToRGB(p, q, h-1.0/3)) * 255)
	return
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6:
		return p + (q-p)*6*t
	case t < 1.0/2:
		return q
	case t < 2.0/3:
		return p + (q-p)*(2.0/3-t)*6
	default:
		return p
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func maxf(vs ...float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minf(vs ...float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// ParseMode parses the --trayicon-mode grammar:
// "{bg|border1|border2|tint[+border1|+border2|+saturation50|+whitehack]}".
func ParseMode(s string) (Mode, TintOptions, bool) {
	parts := splitPlus(s)
	if len(parts) == 0 {
		return 0, TintOptions{}, false
	}

	var mode Mode
	var opts TintOptions
	switch parts[0] {
	case "bg":
		mode = ModeBackground
	case "border1":
		mode = ModeBorder1
	case "border2":
		mode = ModeBorder2
	case "tint":
		mode = ModeTint
	default:
		return 0, TintOptions{}, false
	}

	for _, suffix := range parts[1:] {
		if mode != ModeTint {
			return 0, TintOptions{}, false
		}
		switch suffix {
		case "border1":
			opts.Border1 = true
		case "border2":
			opts.Border2 = true
		case "saturation50":
			opts.Saturation50 = true
		case "whitehack":
			opts.WhiteHack = true
		default:
			return 0, TintOptions{}, false
		}
	}
	return mode, opts, true
}

func splitPlus(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '+' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
