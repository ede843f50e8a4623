package wav2vec2

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func testVocab() map[string]int {
	return map[string]int{
		"<pad>": 0,
		"<s>":   1,
		"</s>":  2,
		"<unk>": 3,
		"|":     4,
		"A":     5,
		"B":     6,
		"C":     7,
		"'":     8,
		"s":     9,
		".":     10,
	}
}

func testProcessor(t *testing.T) *Processor {
	t.Helper()
	return NewProcessor(&Assets{
		FeatureExtractor: defaultFeatureExtractor(),
		Tokenizer:        defaultTokenizer(),
		Vocab:            testVocab(),
	})
}

func TestDecodeCollapsesRepeatsAndBlanks(t *testing.T) {
	t.Parallel()

	p := testProcessor(t)
	// A A <pad> A B | | C <pad> C
	ids := []int{5, 5, 0, 5, 6, 4, 4, 7, 0, 7}
	require.Equal(t, "AAB CC", p.Decode(ids))
}

func TestDecodeAllBlankIsEmpty(t *testing.T) {
	t.Parallel()

	p := testProcessor(t)
	require.Equal(t, "", p.Decode([]int{0, 0, 0, 4, 0}))
	require.Equal(t, "", p.Decode(nil))
}

func TestDecodeUnknownIDUsesUnkToken(t *testing.T) {
	t.Parallel()

	p := testProcessor(t)
	require.Equal(t, "A<unk>", p.Decode([]int{5, 99}))
}

func TestDecodeCleansTokenizationSpaces(t *testing.T) {
	t.Parallel()

	p := testProcessor(t)
	// A B | ' S | .
	require.Equal(t, "AB's.", p.Decode([]int{5, 6, 4, 8, 9, 4, 10}))

	off := false
	raw := NewProcessor(&Assets{
		FeatureExtractor: defaultFeatureExtractor(),
		Tokenizer: TokenizerConfig{
			PadToken:                  "<pad>",
			UnkToken:                  "<unk>",
			WordDelimiterToken:        "|",
			CleanUpTokenizationSpaces: &off,
		},
		Vocab: testVocab(),
	})
	require.Equal(t, "AB 's .", raw.Decode([]int{5, 6, 4, 8, 9, 4, 10}))
}

func TestBatchDecodeKeepsOrder(t *testing.T) {
	t.Parallel()

	p := testProcessor(t)
	require.Equal(t, []string{"A", "B"}, p.BatchDecode([][]int{{5}, {6, 6}}))
}

func TestArgmaxPicksBestClassPerFrame(t *testing.T) {
	t.Parallel()

	logits := Logits{
		Batch:  1,
		Frames: 3,
		Vocab:  3,
		Data: []float32{
			0.1, 0.7, 0.2,
			0.9, 0.0, 0.1,
			0.5, 0.5, 0.1,
		},
	}

	require.Equal(t, [][]int{{1, 0, 0}}, logits.Argmax())
}

func TestEncodeNormalizesAndMasks(t *testing.T) {
	t.Parallel()

	p := testProcessor(t)
	feats, err := p.Encode([][]float32{{1, 2, 3, 4}})
	require.NoError(t, err)
	require.Equal(t, 1, feats.Batch)
	require.Equal(t, 4, feats.Length)
	require.Equal(t, []int64{1, 1, 1, 1}, feats.AttentionMask)

	var mean, variance float64
	for _, v := range feats.Values {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range feats.Values {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4

	require.InDelta(t, 0, mean, 1e-6)
	require.InDelta(t, 1, variance, 1e-4)
}

func TestEncodePadsShorterWaveforms(t *testing.T) {
	t.Parallel()

	p := NewProcessor(&Assets{
		FeatureExtractor: FeatureExtractorConfig{SamplingRate: 16000, PaddingValue: -1},
		Tokenizer:        defaultTokenizer(),
		Vocab:            testVocab(),
	})

	feats, err := p.Encode([][]float32{{0.5, 0.25, 0.125}, {0.75}})
	require.NoError(t, err)
	require.Equal(t, 3, feats.Length)
	require.Equal(t, []float32{0.5, 0.25, 0.125, 0.75, -1, -1}, feats.Values)
	require.Equal(t, []int64{1, 1, 1, 1, 0, 0}, feats.AttentionMask)
}

func TestEncodeLeftPadding(t *testing.T) {
	t.Parallel()

	p := NewProcessor(&Assets{
		FeatureExtractor: FeatureExtractorConfig{SamplingRate: 16000, PaddingSide: "left"},
		Tokenizer:        defaultTokenizer(),
		Vocab:            testVocab(),
	})

	feats, err := p.Encode([][]float32{{1, 1}, {1}})
	require.NoError(t, err)
	require.Equal(t, []float32{1, 1, 0, 1}, feats.Values)
	require.Equal(t, []int64{1, 1, 0, 1}, feats.AttentionMask)
}

func TestEncodeRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	p := testProcessor(t)

	_, err := p.Encode(nil)
	require.Error(t, err)

	_, err = p.Encode([][]float32{{}})
	require.ErrorIs(t, err, ErrEmptyWaveform)
}

func TestNormalizeConstantSignalStaysFinite(t *testing.T) {
	t.Parallel()

	out := normalize([]float32{0.3, 0.3, 0.3})
	for _, v := range out {
		require.False(t, math.IsNaN(float64(v)))
		require.InDelta(t, 0, v, 1e-6)
	}
}
