package effects

import (
	"math"

	"pagepilot/internal/dom"
)

// Tooltip geometry in CSS pixels.
const (
	tipGap      = 8.0
	tipMargin   = 8.0
	tipMinWidth = 120.0
	tipMaxWidth = 320.0
	tipCharW    = 7.0
	tipLineH    = 18.0
	tipPadding  = 12.0
)

// Placement values.
const (
	PlaceBelow = "below"
	PlaceAbove = "above"
)

// EstimateSize returns a tooltip box size for text.
func EstimateSize(text string) (w, h float64) {
	n := float64(len([]rune(text)))
	w = math.Min(math.Max(n*tipCharW+2*tipPadding, tipMinWidth), tipMaxWidth)
	lines := math.Max(1, math.Ceil(n*tipCharW/(w-2*tipPadding)))
	return w, lines*tipLineH + 2*tipPadding
}

// PlaceTooltip positions a box of the estimated size next to target: below
// when it fits, otherwise above, otherwise on the roomier side clamped to
// the viewport. The box is always clamped horizontally.
func PlaceTooltip(target, viewport dom.Rect, text string) (dom.Rect, string) {
	w, h := EstimateSize(text)
	if maxW := viewport.Width - 2*tipMargin; w > maxW && maxW > 0 {
		w = maxW
	}

	placement := PlaceBelow
	y := target.Bottom() + tipGap
	if y+h > viewport.Bottom()-tipMargin {
		above := target.Y - tipGap - h
		switch {
		case above >= viewport.Y+tipMargin:
			placement, y = PlaceAbove, above
		case target.Y-viewport.Y > viewport.Bottom()-target.Bottom():
			placement = PlaceAbove
			y = math.Max(viewport.Y+tipMargin, above)
		default:
			y = math.Min(y, viewport.Bottom()-tipMargin-h)
		}
	}

	cx, _ := target.Center()
	x := cx - w/2
	x = math.Max(x, viewport.X+tipMargin)
	x = math.Min(x, viewport.Right()-tipMargin-w)
	return dom.Rect{X: x, Y: y, Width: w, Height: h}, placement
}
