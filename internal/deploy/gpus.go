// Package deploy is the management-plane client: endpoint and template
// provisioning over the platform's REST and GraphQL APIs, plus the GPU
// capability catalog used to plan deployments. Calls are single exchanges;
// nothing here polls or retries.
package deploy

import "github.com/serverless-tts/dia-runpod/internal/audio"

// VRAM thresholds for running the Dia-1.6B model in float16.
const (
	MinVRAMGB         = 10
	RecommendedVRAMGB = 16
)

// GPUInfo describes one GPU type's capability for this workload.
type GPUInfo struct {
	Name            string
	VRAMGB          int
	TokensPerSecond int
	CostPerHour     float64
}

// Suitable reports whether the GPU has enough VRAM for the model.
func (g GPUInfo) Suitable() bool {
	return g.VRAMGB >= MinVRAMGB
}

// Recommended reports whether the GPU meets the comfortable VRAM margin.
func (g GPUInfo) Recommended() bool {
	return g.VRAMGB >= RecommendedVRAMGB
}

// gpuCatalog lists the supported GPU types in order of preference, with
// measured throughput and the platform's hourly prices.
var gpuCatalog = []GPUInfo{
	{Name: "NVIDIA A4000", VRAMGB: 16, TokensPerSecond: 40, CostPerHour: 0.576},
	{Name: "NVIDIA RTX 4000", VRAMGB: 16, TokensPerSecond: 40, CostPerHour: 0.576},
	{Name: "NVIDIA RTX 3090", VRAMGB: 24, TokensPerSecond: 55, CostPerHour: 0.684},
	{Name: "NVIDIA A5000", VRAMGB: 24, TokensPerSecond: 55, CostPerHour: 0.684},
	{Name: "NVIDIA RTX 4090", VRAMGB: 24, TokensPerSecond: 75, CostPerHour: 1.116},
	{Name: "NVIDIA T4", VRAMGB: 16, TokensPerSecond: 25, CostPerHour: 0.36},
	{Name: "NVIDIA L4", VRAMGB: 24, TokensPerSecond: 45, CostPerHour: 0.60},
}

// Catalog returns the supported GPU types in order of preference.
func Catalog() []GPUInfo {
	result := make([]GPUInfo, len(gpuCatalog))
	copy(result, gpuCatalog)

	return result
}

// Info looks up a GPU type by name. Unknown types report not-found and a
// zero capability, which Suitable treats as unsuitable.
func Info(name string) (GPUInfo, bool) {
	for _, gpu := range gpuCatalog {
		if gpu.Name == name {
			return gpu, true
		}
	}

	return GPUInfo{Name: name}, false
}

// EstimateProcessingSeconds predicts how long a GPU needs to synthesize the
// given text length.
func EstimateProcessingSeconds(textLength int, gpu GPUInfo) float64 {
	return audio.EstimateProcessingSeconds(
		textLength,
		float64(gpu.TokensPerSecond),
	)
}
