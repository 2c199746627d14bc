package style

import "testing"

func TestGridSingleTile(t *testing.T) {
	g, err := NewGrid(100, 80, 512)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if !g.Single() || g.Count() != 1 {
		t.Fatalf("expected a single tile, got %dx%d", g.TilesY, g.TilesX)
	}
	y0, x0, y1, x1 := g.Rect(0, 0)
	if y0 != 0 || x0 != 0 || y1 != 100 || x1 != 80 {
		t.Fatalf("tile bounds %d,%d,%d,%d", y0, x0, y1, x1)
	}
}

func TestGridRemainderGoesToLastTile(t *testing.T) {
	g, err := NewGrid(256, 256, 100)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	if g.TilesY != 3 || g.TilesX != 3 {
		t.Fatalf("expected 3x3 tiles, got %dx%d", g.TilesY, g.TilesX)
	}
	if g.TileH != 85 || g.TileW != 85 {
		t.Fatalf("expected 85x85 nominal tiles, got %dx%d", g.TileH, g.TileW)
	}
	_, _, y1, x1 := g.Rect(2, 2)
	if y1 != 256 || x1 != 256 {
		t.Fatalf("last tile must absorb the remainder, ends at %d,%d", y1, x1)
	}
	y0, x0, y1e, _ := g.Rect(2, 0)
	if y0 != 170 || x0 != 0 || y1e != 256 {
		t.Fatalf("last-row tile bounds %d,%d,%d", y0, x0, y1e)
	}
}

func TestGridTilesPartitionImage(t *testing.T) {
	g, err := NewGrid(37, 53, 16)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	covered := make([][]int, 37)
	for y := range covered {
		covered[y] = make([]int, 53)
	}
	for ty := 0; ty < g.TilesY; ty++ {
		for tx := 0; tx < g.TilesX; tx++ {
			y0, x0, y1, x1 := g.Rect(ty, tx)
			if y1-y0 < g.TileH || x1-x0 < g.TileW {
				t.Fatalf("tile (%d,%d) smaller than nominal: %dx%d", ty, tx, y1-y0, x1-x0)
			}
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					covered[y][x]++
				}
			}
		}
	}
	for y := range covered {
		for x := range covered[y] {
			if covered[y][x] != 1 {
				t.Fatalf("pixel (%d,%d) covered %d times", y, x, covered[y][x])
			}
		}
	}
}

func TestGridRejectsBadInput(t *testing.T) {
	if _, err := NewGrid(0, 10, 16); err == nil {
		t.Fatal("expected error for zero height")
	}
	if _, err := NewGrid(10, 10, 0); err == nil {
		t.Fatal("expected error for zero tile edge")
	}
}
