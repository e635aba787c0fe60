package tracker

// Easing selects the interpolation curve of a transition animation.
type Easing int

const (
	EasingLinear Easing = iota
	EasingEaseIn
	EasingEaseOut
	easingEaseInOut // repositioning only, not part of the config surface
)

// Apply maps linear progress in [0, 1] through the easing curve.
func (e Easing) Apply(p float64) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}
	switch e {
	case EasingEaseIn:
		return p * p
	case EasingEaseOut:
		return 1 - (1-p)*(1-p)
	case easingEaseInOut:
		if p < 0.5 {
			return 2 * p * p
		}
		return 1 - 2*(1-p)*(1-p)
	default:
		return p
	}
}

// ParseEasing maps a configuration string to an Easing.
func ParseEasing(s string) Easing {
	switch s {
	case "ease-in":
		return EasingEaseIn
	case "ease-out":
		return EasingEaseOut
	default:
		return EasingLinear
	}
}
