package scene

import "math/rand/v2"

// Synthetic describes a generated background: a constant level plus a
// linear gradient, Gaussian noise and optional hot pixels.
type Synthetic struct {
	Level    float64    `yaml:"level"`
	Noise    float64    `yaml:"noise,omitempty"`
	Seed     uint64     `yaml:"seed,omitempty"`
	Gradient [2]float64 `yaml:"gradient,omitempty"` // per pixel in x and y
	Hot      int        `yaml:"hot,omitempty"`      // number of hot pixels
	HotValue float64    `yaml:"hot_value,omitempty"`
}

// Render produces w*h row-major values. The same seed gives the same pixels.
func (s *Synthetic) Render(w, h int) []float64 {
	rng := rand.New(rand.NewPCG(s.Seed, 0x5eed))
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := s.Level + s.Gradient[0]*float64(x) + s.Gradient[1]*float64(y)
			if s.Noise > 0 {
				v += s.Noise * rng.NormFloat64()
			}
			data[y*w+x] = v
		}
	}
	for i := 0; i < s.Hot && len(data) > 0; i++ {
		data[rng.IntN(len(data))] = s.HotValue
	}
	return data
}
