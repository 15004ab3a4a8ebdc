package audio

// Resampler потоковая линейная передискретизация чередующихся сэмплов.
// Последний кадр каждого блока сохраняется, поэтому интерполяция не рвется на границах блоков.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	step       float64
	position   float64
	prev       []int32
	primed     bool
}

// NewResampler создает передискретизатор
func NewResampler(inputRate, outputRate, channels int) *Resampler {
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		step:       float64(inputRate) / float64(outputRate),
		prev:       make([]int32, channels),
	}
}

// Passthrough сообщает, что частоты совпадают
func (r *Resampler) Passthrough() bool { return r.inputRate == r.outputRate }

// Process передискретизирует блок. Неполный последний кадр отбрасывается.
func (r *Resampler) Process(input []int32) []int32 {
	if r.Passthrough() {
		return input
	}

	ch := r.channels
	frames := len(input) / ch
	if frames == 0 {
		return nil
	}

	offset := 0
	if r.primed {
		offset = 1
	}
	total := frames + offset

	sample := func(frame, c int) float64 {
		if frame < offset {
			return float64(r.prev[c])
		}
		return float64(input[(frame-offset)*ch+c])
	}

	output := make([]int32, 0, int(float64(total)/r.step+1)*ch)
	for {
		i := int(r.position)
		if i+1 >= total {
			break
		}
		frac := r.position - float64(i)
		for c := 0; c < ch; c++ {
			s1, s2 := sample(i, c), sample(i+1, c)
			output = append(output, int32(s1+(s2-s1)*frac))
		}
		r.position += r.step
	}

	// последний кадр становится нулевым для следующего блока
	r.position -= float64(total - 1)
	copy(r.prev, input[(frames-1)*ch:frames*ch])
	r.primed = true
	return output
}

// Reset сбрасывает состояние между независимыми потоками
func (r *Resampler) Reset() {
	r.position = 0
	r.primed = false
	clear(r.prev)
}
