package minter

// drand48 — 48-битный линейный конгруэнтный генератор, совместимый с
// srand48/drand48 из glibc. Порядок выбора счётчиков совпадает с Noid.
type drand48 struct {
	state uint64
}

const drandMask = 1<<48 - 1

func newDrand48(seed int64) *drand48 {
	return &drand48{state: (uint64(seed)<<16 + 0x330E) & drandMask}
}

func (d *drand48) next() float64 {
	d.state = (25214903917*d.state + 11) & drandMask
	return float64(d.state) / (1 << 48)
}
