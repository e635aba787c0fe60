package media

// LogicalSize is a width/height pair in screen logical pixels.
type LogicalSize struct {
	Width  int
	Height int
}

// CursorPosition is one sampled cursor location in screen logical
// coordinates, together with the geometry of the output the sample was
// taken on.
type CursorPosition struct {
	X            int
	Y            int
	OutputX      int
	OutputY      int
	OutputWidth  int
	OutputHeight int
}

// Rectangle is a crop region in screen logical coordinates.
type Rectangle struct {
	X      int
	Y      int
	Width  int
	Height int
}

// NewRectangle builds a rectangle clamped into the given screen bounds.
// Width and height are capped at the screen dimensions, and the origin is
// shifted so the rectangle never extends past an edge.
func NewRectangle(x, y, width, height int, screen LogicalSize) Rectangle {
	if width > screen.Width {
		width = screen.Width
	}
	if height > screen.Height {
		height = screen.Height
	}
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x+width > screen.Width {
		x = screen.Width - width
	}
	if y+height > screen.Height {
		y = screen.Height - height
	}
	return Rectangle{X: x, Y: y, Width: width, Height: height}
}

// Size returns the rectangle's dimensions.
func (r Rectangle) Size() LogicalSize {
	return LogicalSize{Width: r.Width, Height: r.Height}
}

// FullScreen returns the rectangle covering the entire screen.
func FullScreen(screen LogicalSize) Rectangle {
	return Rectangle{X: 0, Y: 0, Width: screen.Width, Height: screen.Height}
}
