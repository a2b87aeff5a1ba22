package services

// Params carries the generation knobs shared by all LLM providers. Zero
// values mean "provider default".
type Params struct {
	Temperature float32 `yaml:"temperature"`
	TopP        float32 `yaml:"topP"`
	MaxTokens   int     `yaml:"maxTokens"`
}
