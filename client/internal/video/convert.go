package video

// ConvertToYUV420 converts an interleaved BGRA or RGBA frame (stride bytes
// per row, 4 bytes per pixel) to planar YUV 4:2:0 using the BT.601 studio
// conversion (spec §4.9: "converts BGRA/RGBA to YUV 4:2:0 with stride
// handling"). bgr selects channel order: true for BGRA, false for RGBA.
func ConvertToYUV420(pixels []byte, width, height, stride int, bgr bool) []byte {
	ySize := width * height
	cSize := ((width + 1) / 2) * ((height + 1) / 2)
	out := make([]byte, ySize+2*cSize)
	yPlane := out[:ySize]
	uPlane := out[ySize : ySize+cSize]
	vPlane := out[ySize+cSize:]

	cStride := (width + 1) / 2

	for row := 0; row < height; row++ {
		rowOff := row * stride
		for col := 0; col < width; col++ {
			px := rowOff + col*4
			if px+3 >= len(pixels) {
				continue
			}
			var r, g, b int
			if bgr {
				b, g, r = int(pixels[px]), int(pixels[px+1]), int(pixels[px+2])
			} else {
				r, g, b = int(pixels[px]), int(pixels[px+1]), int(pixels[px+2])
			}

			y := (66*r + 129*g + 25*b + 128) >> 8
			yPlane[row*width+col] = clampByte(y + 16)

			if row%2 == 0 && col%2 == 0 {
				u := (-38*r - 74*g + 112*b + 128) >> 8
				v := (112*r - 94*g - 18*b + 128) >> 8
				cRow, cCol := row/2, col/2
				uPlane[cRow*cStride+cCol] = clampByte(u + 128)
				vPlane[cRow*cStride+cCol] = clampByte(v + 128)
			}
		}
	}
	return out
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// ScaleNearest resizes an interleaved 4-bytes-per-pixel frame with nearest-
// neighbor sampling (spec §4.9: "scales if source and target resolutions
// differ"). A real pipeline would prefer a filtered scale; nearest keeps
// this dependency-free since no image-scaling library appears in the corpus.
func ScaleNearest(pixels []byte, srcW, srcH, dstW, dstH int) []byte {
	if srcW == dstW && srcH == dstH {
		return pixels
	}
	out := make([]byte, dstW*dstH*4)
	for y := 0; y < dstH; y++ {
		srcY := y * srcH / dstH
		for x := 0; x < dstW; x++ {
			srcX := x * srcW / dstW
			srcOff := (srcY*srcW + srcX) * 4
			dstOff := (y*dstW + x) * 4
			if srcOff+4 > len(pixels) {
				continue
			}
			copy(out[dstOff:dstOff+4], pixels[srcOff:srcOff+4])
		}
	}
	return out
}
