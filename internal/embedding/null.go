package embedding

import "context"

// NullProvider is the explicit "no embedding backend" variant, selected by
// configuration when no provider credentials are present. Every call fails
// with ErrDisabled so callers can fall back to keyword retrieval instead of
// discovering a missing backend mid-request.
type NullProvider struct{}

// NewNullProvider creates a NullProvider.
func NewNullProvider() *NullProvider { return &NullProvider{} }

func (*NullProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrDisabled
}

func (*NullProvider) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, ErrDisabled
}

func (*NullProvider) Dimensions() int { return 0 }

func (*NullProvider) ModelName() string { return "none" }

func (*NullProvider) Name() string               { return "null" }
func (*NullProvider) Ping(context.Context) error { return ErrDisabled }

var _ Provider = (*NullProvider)(nil)
