package embedding

import (
	"context"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Factory hands the client out as either model kind. The remote model
// is selected by the client's configuration; the requested name is
// accepted as-is since the API resolves models server-side.
type Factory struct {
	Client *Client
}

// TextModel returns the client as a text annotation model.
func (f Factory) TextModel(_ context.Context, _ string) (domain.TextModel, error) {
	return f.Client, nil
}

// EmbeddingModel returns the client as an embedding model.
func (f Factory) EmbeddingModel(_ context.Context, _ string) (domain.EmbeddingModel, error) {
	return f.Client, nil
}
