package inference

import "sort"

// WeightFiles names the encoder and decoder weight files of one precision.
type WeightFiles struct {
	Encoder string
	Decoder string
}

var precisionFiles = map[string]WeightFiles{
	"fp32":  {Encoder: "encoder_model.onnx", Decoder: "decoder_model.onnx"},
	"fp16":  {Encoder: "encoder_model_fp16.onnx", Decoder: "decoder_model_fp16.onnx"},
	"q4":    {Encoder: "encoder_model_q4.onnx", Decoder: "decoder_model_q4.onnx"},
	"q4f16": {Encoder: "encoder_model_q4f16.onnx", Decoder: "decoder_model_q4f16.onnx"},
}

// FilesFor returns the weight files for precision, falling back to the fp32
// pair for unknown keys.
func FilesFor(precision string) WeightFiles {
	if files, ok := precisionFiles[precision]; ok {
		return files
	}
	return precisionFiles["fp32"]
}

// KnownPrecision reports whether precision is in the catalog.
func KnownPrecision(precision string) bool {
	_, ok := precisionFiles[precision]
	return ok
}

func Precisions() []string {
	keys := make([]string, 0, len(precisionFiles))
	for k := range precisionFiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
