package shm

import "unsafe"

// floatView reinterprets a mapped byte buffer as float32 without copying.
func floatView(buf []byte, n int) []float32 {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&buf[0])), n)
}
