package api

// CompletionRequest is the body of POST /v1/completions.
type CompletionRequest struct {
	Prompt        string  `json:"prompt"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Temperature   float32 `json:"temperature,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	TopP          float32 `json:"top_p,omitempty"`
	Seed          int64   `json:"seed,omitempty"`
	RepeatPenalty float32 `json:"repeat_penalty,omitempty"`
	RepeatLastN   int     `json:"repeat_last_n,omitempty"`
	Stream        bool    `json:"stream,omitempty"`
}

// CompletionResponse is the non-streaming reply.
type CompletionResponse struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Created      int64  `json:"created"`
	Model        string `json:"model"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// StreamChunk is one server-sent event during a streaming completion.
type StreamChunk struct {
	ID           string `json:"id"`
	Text         string `json:"text,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Done         bool   `json:"done,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelInfo is the reply of GET /v1/model.
type ModelInfo struct {
	Arch      string `json:"arch"`
	Params    int64  `json:"params"`
	Bytes     int64  `json:"bytes"`
	Bandwidth int64  `json:"bandwidth_per_token"`
	Dim       int    `json:"dim"`
	Layers    int    `json:"layers"`
	Heads     int    `json:"heads"`
	KVHeads   int    `json:"kv_heads"`
	VocabSize int    `json:"vocab_size"`
	SeqLen    int    `json:"seq_len"`
	Experts   int    `json:"experts,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}
