package main

import "image/color"

// CO2 bands commonly used for indoor air quality.
var bands = []struct {
	max   uint16
	name  string
	color color.NRGBA
}{
	{800, "good", color.NRGBA{0x00, 0xc0, 0x00, 0xff}},
	{1200, "moderate", color.NRGBA{0xff, 0xd0, 0x00, 0xff}},
	{2000, "poor", color.NRGBA{0xff, 0x80, 0x00, 0xff}},
	{0xFFFF, "bad", color.NRGBA{0xe0, 0x00, 0x00, 0xff}},
}

func bandIndex(ppm uint16) int {
	for i, b := range bands {
		if ppm < b.max {
			return i
		}
	}
	return len(bands) - 1
}

func band(ppm uint16) string {
	return bands[bandIndex(ppm)].name
}

func bandColor(ppm uint16) color.NRGBA {
	return bands[bandIndex(ppm)].color
}
