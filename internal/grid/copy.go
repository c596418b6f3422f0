package grid

import "fmt"

// CopyRegion copies the srcSel region of src into the dstSel region of dst.
// Both buffers are row-major arrays of their respective shapes with elemSize
// bytes per element. The two selections must have identical shapes.
func CopyRegion(dst []byte, dstShape Shape, dstSel Selection, src []byte, srcShape Shape, srcSel Selection, elemSize int) error {
	if !dstSel.Shape().Equal(srcSel.Shape()) {
		return fmt.Errorf("selection shapes differ: dst %v, src %v", dstSel.Shape(), srcSel.Shape())
	}
	if dstSel.Empty() {
		return nil
	}

	dstStrides := byteStrides(dstShape, elemSize)
	srcStrides := byteStrides(srcShape, elemSize)
	copyRecursive(dst, dstSel, dstStrides, src, srcSel, srcStrides, 0, 0, 0, elemSize)
	return nil
}

// FillRegion writes the fill pattern over the sel region of buf. A nil fill
// writes zero bytes.
func FillRegion(buf []byte, shape Shape, sel Selection, fill []byte, elemSize int) {
	if sel.Empty() {
		return
	}
	strides := byteStrides(shape, elemSize)
	fillRecursive(buf, sel, strides, 0, 0, fill, elemSize)
}

// FillBytes returns count elements of the fill pattern. A nil fill yields
// zero bytes.
func FillBytes(fill []byte, elemSize int, count int64) []byte {
	out := make([]byte, count*int64(elemSize))
	if fill != nil {
		writeFill(out, fill)
	}
	return out
}

func byteStrides(shape Shape, elemSize int) []int64 {
	strides := make([]int64, len(shape))
	stride := int64(elemSize)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// copyRecursive walks every dimension but the last and copies the innermost
// runs with a single copy() per row.
func copyRecursive(dst []byte, dstSel Selection, dstStrides []int64, src []byte, srcSel Selection, srcStrides []int64, dim int, dstOff, srcOff int64, elemSize int) {
	last := len(dstStrides) - 1
	if dim == last {
		d := dstOff + dstSel.Start[dim]*dstStrides[dim]
		s := srcOff + srcSel.Start[dim]*srcStrides[dim]
		n := (dstSel.Stop[dim] - dstSel.Start[dim]) * int64(elemSize)
		copy(dst[d:d+n], src[s:s+n])
		return
	}

	span := dstSel.Stop[dim] - dstSel.Start[dim]
	for i := int64(0); i < span; i++ {
		copyRecursive(dst, dstSel, dstStrides, src, srcSel, srcStrides, dim+1,
			dstOff+(dstSel.Start[dim]+i)*dstStrides[dim],
			srcOff+(srcSel.Start[dim]+i)*srcStrides[dim],
			elemSize)
	}
}

func fillRecursive(buf []byte, sel Selection, strides []int64, dim int, off int64, fill []byte, elemSize int) {
	last := len(strides) - 1
	if dim == last {
		start := off + sel.Start[dim]*strides[dim]
		n := (sel.Stop[dim] - sel.Start[dim]) * int64(elemSize)
		row := buf[start : start+n]
		if fill == nil {
			clear(row)
		} else {
			writeFill(row, fill)
		}
		return
	}
	for i := sel.Start[dim]; i < sel.Stop[dim]; i++ {
		fillRecursive(buf, sel, strides, dim+1, off+i*strides[dim], fill, elemSize)
	}
}

func writeFill(buf, fill []byte) {
	for i := 0; i < len(buf); i += len(fill) {
		copy(buf[i:], fill)
	}
}
