package wav2vec2

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrEmptyWaveform = errors.New("waveform has no samples")

const normalizeEpsilon = 1e-7

// Features is the batch-shaped model input. Values and AttentionMask are
// row-major [Batch, Length].
type Features struct {
	Batch         int
	Length        int
	Values        []float32
	AttentionMask []int64
}

// Logits are row-major [Batch, Frames, Vocab] class scores.
type Logits struct {
	Batch  int
	Frames int
	Vocab  int
	Data   []float32
}

// Argmax picks the highest scoring class per frame. Ties resolve to the
// lowest id.
func (l Logits) Argmax() [][]int {
	ids := make([][]int, l.Batch)
	for b := range l.Batch {
		row := make([]int, l.Frames)
		for f := range l.Frames {
			offset := (b*l.Frames + f) * l.Vocab
			scores := l.Data[offset : offset+l.Vocab]
			best := 0
			for v := 1; v < len(scores); v++ {
				if scores[v] > scores[best] {
					best = v
				}
			}
			row[f] = best
		}
		ids[b] = row
	}
	return ids
}

type Processor struct {
	samplingRate int
	doNormalize  bool
	paddingValue float32
	padLeft      bool

	tokens    map[int]string
	pad       string
	unk       string
	delimiter string
	cleanUp   bool
}

func NewProcessor(assets *Assets) *Processor {
	tokens := make(map[int]string, len(assets.Vocab))
	for token, id := range assets.Vocab {
		tokens[id] = token
	}

	cleanUp := true
	if assets.Tokenizer.CleanUpTokenizationSpaces != nil {
		cleanUp = *assets.Tokenizer.CleanUpTokenizationSpaces
	}

	fe := assets.FeatureExtractor
	return &Processor{
		samplingRate: fe.SamplingRate,
		doNormalize:  fe.DoNormalize,
		paddingValue: fe.PaddingValue,
		padLeft:      strings.EqualFold(fe.PaddingSide, "left"),
		tokens:       tokens,
		pad:          string(assets.Tokenizer.PadToken),
		unk:          string(assets.Tokenizer.UnkToken),
		delimiter:    string(assets.Tokenizer.WordDelimiterToken),
		cleanUp:      cleanUp,
	}
}

func (p *Processor) SamplingRate() int {
	return p.samplingRate
}

// Encode pads the waveforms to the longest one and builds the attention
// mask. With normalization enabled each waveform is scaled to zero mean and
// unit variance over its own samples before padding.
func (p *Processor) Encode(batch [][]float32) (Features, error) {
	if len(batch) == 0 {
		return Features{}, errors.New("encode: empty batch")
	}

	length := 0
	for i, wav := range batch {
		if len(wav) == 0 {
			return Features{}, fmt.Errorf("encode waveform %d: %w", i, ErrEmptyWaveform)
		}
		length = max(length, len(wav))
	}

	feats := Features{
		Batch:         len(batch),
		Length:        length,
		Values:        make([]float32, len(batch)*length),
		AttentionMask: make([]int64, len(batch)*length),
	}

	for b, wav := range batch {
		row := feats.Values[b*length : (b+1)*length]
		mask := feats.AttentionMask[b*length : (b+1)*length]

		start := 0
		if p.padLeft {
			start = length - len(wav)
		}
		for i := range row {
			row[i] = p.paddingValue
		}

		values := wav
		if p.doNormalize {
			values = normalize(wav)
		}
		copy(row[start:], values)
		for i := start; i < start+len(wav); i++ {
			mask[i] = 1
		}
	}

	return feats, nil
}

func normalize(wav []float32) []float32 {
	var sum float64
	for _, v := range wav {
		sum += float64(v)
	}
	mean := sum / float64(len(wav))

	var variance float64
	for _, v := range wav {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(wav))

	scale := math.Sqrt(variance + normalizeEpsilon)
	out := make([]float32, len(wav))
	for i, v := range wav {
		out[i] = float32((float64(v) - mean) / scale)
	}
	return out
}

func (p *Processor) BatchDecode(batch [][]int) []string {
	out := make([]string, len(batch))
	for i, ids := range batch {
		out[i] = p.Decode(ids)
	}
	return out
}

// Decode collapses a CTC id sequence: repeated ids are merged, the pad
// (blank) token is dropped and the word delimiter becomes a space.
func (p *Processor) Decode(ids []int) string {
	var b strings.Builder
	prev := -1
	for _, id := range ids {
		if id == prev {
			continue
		}
		prev = id

		token := p.token(id)
		switch token {
		case p.pad:
			continue
		case p.delimiter:
			b.WriteByte(' ')
		default:
			b.WriteString(token)
		}
	}

	text := strings.TrimSpace(b.String())
	if p.cleanUp {
		text = cleanUpTokenization(text)
	}
	return text
}

func (p *Processor) token(id int) string {
	if token, ok := p.tokens[id]; ok {
		return token
	}
	return p.unk
}

var tokenizationSpaces = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

func cleanUpTokenization(text string) string {
	return tokenizationSpaces.Replace(text)
}
