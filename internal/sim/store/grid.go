package store

import "math"

// Quantize maps a pixel coordinate onto the tile grid. Negative pixels land
// on negative tiles (floor, not truncation).
func Quantize(px float64, tileSize int) int {
	if tileSize <= 0 {
		tileSize = 1
	}
	return int(math.Floor(px / float64(tileSize)))
}
