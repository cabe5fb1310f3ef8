package rimage

// SobelGradients returns the horizontal and vertical intensity gradients of a gray map.
func SobelGradients(gray *FloatMap) (*FloatMap, *FloatMap) {
	gx := NewFloatMap(gray.Width(), gray.Height())
	gy := NewFloatMap(gray.Width(), gray.Height())
	SobelGradientsInto(gray, gx, gy)
	return gx, gy
}

// SobelGradientsInto is SobelGradients writing into existing maps of the same size.
func SobelGradientsInto(gray, gx, gy *FloatMap) {
	sx, sy := GetSobelX(), GetSobelY()
	ConvolveFloatMapInto(gray, &sx, gx)
	ConvolveFloatMapInto(gray, &sy, gy)
}
