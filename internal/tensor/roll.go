package tensor

import "fmt"

// Roll2 circularly shifts t in place along its last two axes: dy rows down
// and dx columns right. Negative shifts wrap the other way. The operation is
// exactly invertible by Roll2(-dy, -dx).
func (t *Tensor) Roll2(dy, dx int) *Tensor {
	h, w := t.HW()
	dy = mod(dy, h)
	dx = mod(dx, w)
	if dy == 0 && dx == 0 {
		return t
	}
	plane := make([]float32, h*w)
	for c := 0; c < t.Channels(); c++ {
		src := t.Plane(c)
		for y := 0; y < h; y++ {
			dstRow := plane[((y+dy)%h)*w:]
			srcRow := src[y*w : y*w+w]
			copy(dstRow[dx:], srcRow[:w-dx])
			copy(dstRow[:dx], srcRow[w-dx:])
		}
		copy(src, plane)
	}
	return t
}

// RollBy1 shifts a CxHxW tensor in place by one element along axis 1 (rows)
// or axis 2 (columns). shift must be -1 or 1.
func RollBy1(t *Tensor, shift, axis int) *Tensor {
	if len(t.Shape) != 3 {
		panic(fmt.Sprintf("tensor: RollBy1 on shape %v", t.Shape))
	}
	h, w := t.HW()
	line := make([]float32, w)
	for c := 0; c < t.Channels(); c++ {
		p := t.Plane(c)
		switch {
		case axis == 1 && shift == -1:
			copy(line, p[:w])
			copy(p, p[w:])
			copy(p[(h-1)*w:], line)
		case axis == 1 && shift == 1:
			copy(line, p[(h-1)*w:])
			copy(p[w:], p[:(h-1)*w])
			copy(p[:w], line)
		case axis == 2 && shift == -1:
			for y := 0; y < h; y++ {
				row := p[y*w : y*w+w]
				first := row[0]
				copy(row, row[1:])
				row[w-1] = first
			}
		case axis == 2 && shift == 1:
			for y := 0; y < h; y++ {
				row := p[y*w : y*w+w]
				last := row[w-1]
				copy(row[1:], row[:w-1])
				row[0] = last
			}
		default:
			panic(fmt.Sprintf("tensor: unsupported shift %d axis %d", shift, axis))
		}
	}
	return t
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}
