package types

// Module describes a module discovered on disk.
type Module struct {
	// Unique module name.
	// example: embeddings
	Name string `json:"name" example:"embeddings"`
	// Absolute path of the backing file.
	// example: /var/lib/lazyd/modules/embeddings.bin
	Path string `json:"path" example:"/var/lib/lazyd/modules/embeddings.bin"`
	// Load priority; lower loads earlier.
	// example: 10
	Priority int `json:"priority" example:"10"`
	// Unloading strategy override (aggressive, balanced, conservative).
	// example: balanced
	Strategy string `json:"strategy,omitempty" example:"balanced"`
	// Modules that must be resolved first.
	DependsOn []string `json:"depends_on,omitempty"`
	// Estimated footprint in bytes.
	// example: 104857600
	SizeBytes int64 `json:"size_bytes" example:"104857600"`
}
