// Package style drives the transfer itself: tiling, the optimizer, the
// reference pipeline, and the multiscale loop. Everything here runs in
// the supervisor process; per-tile network evaluation is delegated to
// the worker pool.
package style

import "fmt"

// Grid splits an H×W image into near-equal tiles no larger than a
// requested edge. The last row and column absorb the remainder, so
// tiles are never smaller than the nominal size.
type Grid struct {
	H, W           int
	TilesY, TilesX int
	TileH, TileW   int
}

// NewGrid computes the tiling for an image. maxEdge bounds the nominal
// tile edge; the actual edges divide the image evenly with any
// remainder pushed into the final row/column.
func NewGrid(h, w, maxEdge int) (Grid, error) {
	if h < 1 || w < 1 {
		return Grid{}, fmt.Errorf("style: bad image size %dx%d", h, w)
	}
	if maxEdge < 1 {
		return Grid{}, fmt.Errorf("style: bad tile edge %d", maxEdge)
	}
	ty := (h-1)/maxEdge + 1
	tx := (w-1)/maxEdge + 1
	return Grid{
		H: h, W: w,
		TilesY: ty, TilesX: tx,
		TileH: h / ty, TileW: w / tx,
	}, nil
}

// Count is the number of tiles in the grid.
func (g Grid) Count() int {
	return g.TilesY * g.TilesX
}

// Single reports whether the whole image fits in one tile.
func (g Grid) Single() bool {
	return g.Count() == 1
}

// Rect returns the pixel bounds [y0,y1)x[x0,x1) of tile (ty, tx).
func (g Grid) Rect(ty, tx int) (y0, x0, y1, x1 int) {
	y0 = ty * g.TileH
	x0 = tx * g.TileW
	y1 = y0 + g.TileH
	x1 = x0 + g.TileW
	if ty == g.TilesY-1 {
		y1 = g.H
	}
	if tx == g.TilesX-1 {
		x1 = g.W
	}
	return y0, x0, y1, x1
}
