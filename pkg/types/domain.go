package types

// ModelDescriptor names one weight file the pipeline needs.
type ModelDescriptor struct {
	// Short label used in logs and metrics.
	// example: qwen-image-vae
	Name string `json:"name" yaml:"name" toml:"name" example:"qwen-image-vae"`
	// Remote location of the weights.
	// example: https://huggingface.co/Comfy-Org/Qwen-Image_ComfyUI/resolve/main/split_files/vae/qwen_image_vae.safetensors
	URL string `json:"url" yaml:"url" toml:"url"`
	// Local cache path the download is written to.
	// example: /data/models/vae/qwen_image_vae.safetensors
	Path string `json:"path" yaml:"path" toml:"path" example:"/data/models/vae/qwen_image_vae.safetensors"`
	// Path under the ComfyUI models tree that must resolve to Path.
	// example: /comfyui/models/vae/qwen_image_vae.safetensors
	Target string `json:"target" yaml:"target" toml:"target" example:"/comfyui/models/vae/qwen_image_vae.safetensors"`
}

// Image is a published output image.
type Image struct {
	// Public URL or data URI of the image.
	URL string `json:"url"`
	// MIME type.
	// example: image/png
	ContentType string `json:"content_type" example:"image/png"`
	// Name of the file as produced by the pipeline.
	// example: ComfyUI_00001_.png
	FileName string `json:"file_name" example:"ComfyUI_00001_.png"`
	// Size in bytes.
	// example: 524288
	FileSize int64 `json:"file_size" example:"524288"`
	// Pixel width, 0 if unknown.
	Width int `json:"width,omitempty"`
	// Pixel height, 0 if unknown.
	Height int `json:"height,omitempty"`
}
