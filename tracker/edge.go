package tracker

import "github.com/terava/loupe/media"

// EdgeState classifies which part of the screen frame a rectangle (or a
// cursor touch) is snapped to: nothing, one of four edges, or one of four
// corners.
type EdgeState int

const (
	EdgeNone EdgeState = iota
	EdgeLeft
	EdgeRight
	EdgeTop
	EdgeBottom
	EdgeTopLeft
	EdgeTopRight
	EdgeBottomLeft
	EdgeBottomRight
)

// String names the edge state for logs.
func (e EdgeState) String() string {
	switch e {
	case EdgeLeft:
		return "left"
	case EdgeRight:
		return "right"
	case EdgeTop:
		return "top"
	case EdgeBottom:
		return "bottom"
	case EdgeTopLeft:
		return "top-left"
	case EdgeTopRight:
		return "top-right"
	case EdgeBottomLeft:
		return "bottom-left"
	case EdgeBottomRight:
		return "bottom-right"
	default:
		return "none"
	}
}

func combineEdges(left, right, top, bottom bool) EdgeState {
	switch {
	case top && left:
		return EdgeTopLeft
	case top && right:
		return EdgeTopRight
	case bottom && left:
		return EdgeBottomLeft
	case bottom && right:
		return EdgeBottomRight
	case left:
		return EdgeLeft
	case right:
		return EdgeRight
	case top:
		return EdgeTop
	case bottom:
		return EdgeBottom
	default:
		return EdgeNone
	}
}

// classifyRegion reports which screen edges the rectangle touches.
func classifyRegion(r media.Rectangle, screen media.LogicalSize) EdgeState {
	return combineEdges(
		r.X <= 0,
		r.X+r.Width >= screen.Width,
		r.Y <= 0,
		r.Y+r.Height >= screen.Height,
	)
}

// classifyCursorTouch reports which band of the region the cursor has
// entered, where the band width is threshold (a fraction in [0, 0.5]) of
// the region's dimensions.
func classifyCursorTouch(pos media.CursorPosition, r media.Rectangle, threshold float64) EdgeState {
	bandX := int(float64(r.Width) * threshold)
	bandY := int(float64(r.Height) * threshold)
	return combineEdges(
		pos.X < r.X+bandX,
		pos.X > r.X+r.Width-bandX,
		pos.Y < r.Y+bandY,
		pos.Y > r.Y+r.Height-bandY,
	)
}

// repositionPermitted decides whether a cursor touch may trigger a
// reposition given the edge the region last snapped to. Motion back toward
// the snapped edge is suppressed to avoid jitter: a corner blocks
// re-snapping the same corner, an edge blocks the same edge.
func repositionPermitted(touch, last EdgeState) bool {
	if touch == EdgeNone {
		return false
	}
	if last == EdgeNone {
		return true
	}
	return touch != last
}
