package mathx

// Interpolate maps x through the piecewise-linear table (xs[i], ys[i]).
// xs must be monotonic, either ascending or descending. Inputs beyond the
// table ends return the corresponding end value.
func Interpolate(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if n == 0 || len(ys) != n {
		return 0
	}
	if n == 1 {
		return ys[0]
	}
	if xs[0] > xs[n-1] {
		// Descending: walk from the high end.
		if x >= xs[0] {
			return ys[0]
		}
		if x <= xs[n-1] {
			return ys[n-1]
		}
		for i := 1; i < n; i++ {
			if x >= xs[i] {
				return Lerp(xs[i], xs[i-1], ys[i], ys[i-1], x)
			}
		}
		return ys[n-1]
	}
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[n-1] {
		return ys[n-1]
	}
	for i := 1; i < n; i++ {
		if x <= xs[i] {
			return Lerp(xs[i-1], xs[i], ys[i-1], ys[i], x)
		}
	}
	return ys[n-1]
}

// Lerp maps x from [x0,x1] onto [y0,y1] without clamping.
func Lerp(x0, x1, y0, y1, x float64) float64 {
	if x1 == x0 {
		return y0
	}
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}
