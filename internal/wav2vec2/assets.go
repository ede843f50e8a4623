// Package wav2vec2 loads the text processor that accompanies a pretrained
// CTC acoustic model: the waveform feature extractor and the character
// vocabulary used to turn predicted ids back into text.
package wav2vec2

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrAssetLoad = errors.New("model assets could not be loaded")

const (
	preprocessorConfigFile = "preprocessor_config.json"
	vocabFile              = "vocab.json"
	tokenizerConfigFile    = "tokenizer_config.json"
	specialTokensFile      = "special_tokens_map.json"
	modelConfigFile        = "config.json"
)

// ModelFileCandidates lists where an ONNX export of the acoustic model is
// looked up, relative to the asset directory.
var ModelFileCandidates = []string{
	"model.onnx",
	filepath.Join("onnx", "model.onnx"),
}

// AssetFiles lists the files a complete asset directory may contain. The
// first two are required.
var AssetFiles = []string{
	preprocessorConfigFile,
	vocabFile,
	tokenizerConfigFile,
	specialTokensFile,
	modelConfigFile,
}

type FeatureExtractorConfig struct {
	FeatureSize         int     `json:"feature_size"`
	SamplingRate        int     `json:"sampling_rate"`
	PaddingValue        float32 `json:"padding_value"`
	PaddingSide         string  `json:"padding_side"`
	DoNormalize         bool    `json:"do_normalize"`
	ReturnAttentionMask bool    `json:"return_attention_mask"`
}

// SpecialToken accepts both the plain string form and the
// {"content": "..."} object form of a tokenizer special token.
type SpecialToken string

func (s *SpecialToken) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return err
		}
		*s = SpecialToken(obj.Content)
		return nil
	}

	var value string
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return err
	}
	*s = SpecialToken(value)
	return nil
}

type TokenizerConfig struct {
	PadToken                  SpecialToken `json:"pad_token"`
	UnkToken                  SpecialToken `json:"unk_token"`
	BosToken                  SpecialToken `json:"bos_token"`
	EosToken                  SpecialToken `json:"eos_token"`
	WordDelimiterToken        SpecialToken `json:"word_delimiter_token"`
	CleanUpTokenizationSpaces *bool        `json:"clean_up_tokenization_spaces"`
}

type ModelConfig struct {
	VocabSize     int      `json:"vocab_size"`
	Architectures []string `json:"architectures"`
}

// Assets is a loaded model-asset directory.
type Assets struct {
	Dir              string
	ModelPath        string
	FeatureExtractor FeatureExtractorConfig
	Tokenizer        TokenizerConfig
	Vocab            map[string]int
	Config           ModelConfig
}

func defaultFeatureExtractor() FeatureExtractorConfig {
	return FeatureExtractorConfig{
		FeatureSize:  1,
		SamplingRate: 16000,
		PaddingSide:  "right",
		DoNormalize:  true,
	}
}

func defaultTokenizer() TokenizerConfig {
	return TokenizerConfig{
		PadToken:           "<pad>",
		UnkToken:           "<unk>",
		BosToken:           "<s>",
		EosToken:           "</s>",
		WordDelimiterToken: "|",
	}
}

func LoadAssets(dir string) (*Assets, error) {
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetLoad, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrAssetLoad, dir)
	}

	assets := &Assets{
		Dir:              dir,
		FeatureExtractor: defaultFeatureExtractor(),
		Tokenizer:        defaultTokenizer(),
	}

	if err := readJSON(filepath.Join(dir, preprocessorConfigFile), &assets.FeatureExtractor, true); err != nil {
		return nil, err
	}
	if assets.FeatureExtractor.SamplingRate <= 0 {
		return nil, fmt.Errorf("%w: %s: sampling_rate must be positive", ErrAssetLoad, preprocessorConfigFile)
	}

	if err := readJSON(filepath.Join(dir, vocabFile), &assets.Vocab, true); err != nil {
		return nil, err
	}
	if len(assets.Vocab) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrAssetLoad, vocabFile)
	}

	if err := readJSON(filepath.Join(dir, tokenizerConfigFile), &assets.Tokenizer, false); err != nil {
		return nil, err
	}
	var specials TokenizerConfig
	if err := readJSON(filepath.Join(dir, specialTokensFile), &specials, false); err != nil {
		return nil, err
	}
	assets.Tokenizer.merge(specials)

	if err := readJSON(filepath.Join(dir, modelConfigFile), &assets.Config, false); err != nil {
		return nil, err
	}

	if err := assets.validateVocab(); err != nil {
		return nil, err
	}

	modelPath, err := findModelFile(dir)
	if err != nil {
		return nil, err
	}
	assets.ModelPath = modelPath

	return assets, nil
}

func (t *TokenizerConfig) merge(other TokenizerConfig) {
	if other.PadToken != "" {
		t.PadToken = other.PadToken
	}
	if other.UnkToken != "" {
		t.UnkToken = other.UnkToken
	}
	if other.BosToken != "" {
		t.BosToken = other.BosToken
	}
	if other.EosToken != "" {
		t.EosToken = other.EosToken
	}
	if other.WordDelimiterToken != "" {
		t.WordDelimiterToken = other.WordDelimiterToken
	}
	if other.CleanUpTokenizationSpaces != nil {
		t.CleanUpTokenizationSpaces = other.CleanUpTokenizationSpaces
	}
}

func (a *Assets) validateVocab() error {
	if _, ok := a.Vocab[string(a.Tokenizer.PadToken)]; !ok {
		return fmt.Errorf("%w: pad token %q is not in %s", ErrAssetLoad, a.Tokenizer.PadToken, vocabFile)
	}

	seen := make(map[int]string, len(a.Vocab))
	maxID := -1
	for token, id := range a.Vocab {
		if id < 0 {
			return fmt.Errorf("%w: token %q has negative id %d", ErrAssetLoad, token, id)
		}
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("%w: tokens %q and %q share id %d", ErrAssetLoad, prev, token, id)
		}
		seen[id] = token
		maxID = max(maxID, id)
	}

	if a.Config.VocabSize > 0 && maxID >= a.Config.VocabSize {
		return fmt.Errorf("%w: vocabulary id %d exceeds vocab_size %d in %s", ErrAssetLoad, maxID, a.Config.VocabSize, modelConfigFile)
	}
	return nil
}

func findModelFile(dir string) (string, error) {
	for _, candidate := range ModelFileCandidates {
		path := filepath.Join(dir, candidate)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no ONNX model found in %s (expected one of %v)", ErrAssetLoad, dir, ModelFileCandidates)
}

func readJSON(path string, dst any, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrAssetLoad, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrAssetLoad, filepath.Base(path), err)
	}
	return nil
}
