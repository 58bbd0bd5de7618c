package embedding_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/embedding"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

func newClient(t *testing.T, handler http.HandlerFunc, cacheSize int) *embedding.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := embedding.New(embedding.Config{
		BaseURL:         srv.URL,
		APIKey:          "test-key",
		EmbeddingsModel: "text-embedding-3-small",
		AnnotateModel:   "gpt-4o-mini",
		CacheSize:       cacheSize,
		Timeout:         5 * time.Second,
		RetryMaxElapsed: 500 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func embedHandler(t *testing.T, calls *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*calls++
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		data := make([]map[string]any, len(body.Input))
		for i := range body.Input {
			data[i] = map[string]any{"embedding": []float64{float64(i), 1}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}
}

func TestClient_Embed(t *testing.T) {
	calls := 0
	c := newClient(t, embedHandler(t, &calls), 0)

	vecs, err := c.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.Equal(t, []float32{1, 1}, vecs[1])
	assert.Equal(t, 1, calls, "one request per batch")
}

func TestClient_EmbedCacheHit(t *testing.T) {
	calls := 0
	c := newClient(t, embedHandler(t, &calls), 16)

	first, err := c.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	second, err := c.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "cached text never reaches the API")
	assert.Equal(t, 1, c.CacheLen())
}

func TestClient_EmbedPartialCacheHit(t *testing.T) {
	var inputs [][]string
	srvCalls := 0
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		srvCalls++
		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		inputs = append(inputs, body.Input)
		data := make([]map[string]any, len(body.Input))
		for i := range body.Input {
			data[i] = map[string]any{"embedding": []float64{float64(len(body.Input[i]))}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}, 16)

	_, err := c.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)

	vecs, err := c.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{5}, vecs[0], "cached vector kept in order")
	assert.Equal(t, []float32{4}, vecs[1])
	assert.Equal(t, 2, srvCalls)
	assert.Equal(t, []string{"beta"}, inputs[1], "only the miss is sent")
}

func TestClient_EmbedRetriesRateLimit(t *testing.T) {
	calls := 0
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{1}}},
		})
	}, 0)

	vecs, err := c.Embed(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, 2, calls)
}

func TestClient_EmbedAuthErrorNotRetried(t *testing.T) {
	calls := 0
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}, 0)

	_, err := c.Embed(context.Background(), []string{"alpha"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, 1, calls)
}

func TestClient_EmbedEmptyInput(t *testing.T) {
	calls := 0
	c := newClient(t, embedHandler(t, &calls), 0)

	vecs, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Zero(t, calls)
}

func TestClient_Annotate(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/chat/completions")
		content, _ := json.Marshal(map[string]any{
			"tokens":   []string{"hello", "world"},
			"lemmas":   []string{"hello", "world"},
			"pos":      []string{"UH", "NN"},
			"entities": []string{},
		})
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": string(content)}},
			},
		})
	}, 0)

	ann, err := c.Annotate(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, ann.Tokens)
	assert.Equal(t, []string{"UH", "NN"}, ann.POS)
}

func TestClient_AnnotateMalformedContent(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "not json"}},
			},
		})
	}, 0)

	_, err := c.Annotate(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse annotation")
}
