package vision

// preprocessCHW resizes a BGR frame to targetW×targetH with nearest-neighbour
// sampling and converts it to CHW float32 in RGB plane order, normalising as
// pixel = (pixel - mean) / std. Single pass over the output.
func preprocessCHW(f *Frame, targetW, targetH int, mean, std [3]float32) []float32 {
	data := make([]float32, 3*targetH*targetW)
	planeSize := targetH * targetW

	for y := 0; y < targetH; y++ {
		srcY := y * f.Height / targetH
		for x := 0; x < targetW; x++ {
			srcX := x * f.Width / targetW
			b, g, r := f.At(srcX, srcY)
			idx := y*targetW + x
			data[idx] = (float32(r) - mean[0]) / std[0]
			data[planeSize+idx] = (float32(g) - mean[1]) / std[1]
			data[2*planeSize+idx] = (float32(b) - mean[2]) / std[2]
		}
	}
	return data
}

func preprocessForDetection(f *Frame, w, h int) []float32 {
	return preprocessCHW(f, w, h, [3]float32{127.5, 127.5, 127.5}, [3]float32{128.0, 128.0, 128.0})
}

func preprocessForEmbedding(f *Frame, w, h int) []float32 {
	return preprocessCHW(f, w, h, [3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})
}

func preprocessForAttributes(f *Frame, w, h int) []float32 {
	return preprocessCHW(f, w, h, [3]float32{0, 0, 0}, [3]float32{1, 1, 1})
}

// preprocessForYOLO stretches the frame to the model input size (no
// letterbox padding; aspect ratio is not kept) with pixels scaled to [0,1].
func preprocessForYOLO(f *Frame, w, h int) []float32 {
	return preprocessCHW(f, w, h, [3]float32{0, 0, 0}, [3]float32{255.0, 255.0, 255.0})
}
