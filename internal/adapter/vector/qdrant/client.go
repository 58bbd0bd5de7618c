// Package qdrant implements the VectorStore port against the Qdrant
// HTTP API.
package qdrant

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Store is a Qdrant-backed VectorStore.
type Store struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ domain.VectorStore = (*Store)(nil)

// New constructs a store with baseURL and optional apiKey.
func New(baseURL, apiKey string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// EnsureCollection creates the collection if it does not exist.
func (s *Store) EnsureCollection(ctx context.Context, name string, vectorSize int, distance string) error {
	status, _, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", name), nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	payload := map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": distance},
	}
	status, _, err = s.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", name), payload)
	if err != nil {
		return err
	}
	return s.checkStatus("ensure collection", status)
}

// Create upserts a single point and returns its id.
func (s *Store) Create(ctx context.Context, collection string, obj map[string]any, id string) (string, error) {
	vector, payload := splitObject(obj)
	point := map[string]any{"id": id, "payload": payload}
	if vector != nil {
		point["vector"] = vector
	}
	body := map[string]any{"points": []map[string]any{point}}
	status, _, err := s.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", collection), body)
	if err != nil {
		return "", err
	}
	if err := s.checkStatus("create", status); err != nil {
		return "", err
	}
	return id, nil
}

// Get fetches a point's payload by id.
func (s *Store) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	status, body, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/collections/%s/points/%s", collection, id), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("point %s: %w", id, domain.ErrNotFound)
	}
	if err := s.checkStatus("get", status); err != nil {
		return nil, err
	}
	var out struct {
		Result struct {
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode get response: %w", err)
	}
	if out.Result.Payload == nil {
		return nil, fmt.Errorf("point %s: %w", id, domain.ErrNotFound)
	}
	return out.Result.Payload, nil
}

// Update rewrites an existing point. Returns false when the point does
// not exist.
func (s *Store) Update(ctx context.Context, collection, id string, obj map[string]any) (bool, error) {
	if _, err := s.Get(ctx, collection, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.Create(ctx, collection, obj, id); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a point by id. Returns false when it did not exist.
func (s *Store) Delete(ctx context.Context, collection, id string) (bool, error) {
	if _, err := s.Get(ctx, collection, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	body := map[string]any{"points": []string{id}}
	status, _, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", collection), body)
	if err != nil {
		return false, err
	}
	if err := s.checkStatus("delete", status); err != nil {
		return false, err
	}
	return true, nil
}

// BatchInsert upserts points in sub-requests of at most size points and
// reports a per-item status. When dynamic is false the whole batch goes
// in one request.
func (s *Store) BatchInsert(ctx context.Context, collection string, items []domain.VectorObject, size int, dynamic bool) ([]domain.ItemResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if !dynamic || size <= 0 || size > len(items) {
		size = len(items)
	}

	results := make([]domain.ItemResult, 0, len(items))
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		sub := items[start:end]

		points := make([]map[string]any, len(sub))
		for i, it := range sub {
			pt := map[string]any{"id": it.ID, "payload": it.Payload}
			if it.Vector != nil {
				pt["vector"] = it.Vector
			}
			points[i] = pt
		}
		body := map[string]any{"points": points}
		status, _, err := s.do(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", collection), body)
		if err != nil {
			return nil, err
		}
		if err := s.checkStatus("batch insert", status); err != nil {
			return nil, err
		}
		for _, it := range sub {
			results = append(results, domain.ItemResult{ID: it.ID, Status: domain.ItemStatusSuccess})
		}
	}
	return results, nil
}

// BatchDelete removes points in sub-requests of at most size ids.
func (s *Store) BatchDelete(ctx context.Context, collection string, ids []string, size int) ([]domain.ItemResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if size <= 0 || size > len(ids) {
		size = len(ids)
	}

	results := make([]domain.ItemResult, 0, len(ids))
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		sub := ids[start:end]

		body := map[string]any{"points": sub}
		status, _, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", collection), body)
		if err != nil {
			return nil, err
		}
		if err := s.checkStatus("batch delete", status); err != nil {
			return nil, err
		}
		for _, id := range sub {
			results = append(results, domain.ItemResult{ID: id, Status: domain.ItemStatusSuccess})
		}
	}
	return results, nil
}

// Search runs a similarity query. Pagination is cursor-only; the
// cursor encodes the offset into the result set. Total is page-scoped:
// Qdrant's search endpoint does not report the full match count, so
// Total is the number of hits returned here.
func (s *Store) Search(ctx context.Context, collection string, q domain.Query) (domain.SearchResult, error) {
	if len(q.Vector) == 0 {
		return domain.SearchResult{}, domain.NewValidationError([]string{"search requires a query vector"})
	}
	offset, err := decodeCursor(q.Cursor)
	if err != nil {
		return domain.SearchResult{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	body := map[string]any{
		"vector":       q.Vector,
		"limit":        limit,
		"offset":       offset,
		"with_payload": true,
	}
	if len(q.Filter) > 0 {
		body["filter"] = q.Filter
	}

	started := time.Now()
	status, raw, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", collection), body)
	if err != nil {
		return domain.SearchResult{}, err
	}
	if err := s.checkStatus("search", status); err != nil {
		return domain.SearchResult{}, err
	}

	var out struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.SearchResult{}, fmt.Errorf("decode search response: %w", err)
	}

	result := domain.SearchResult{
		Total:  len(out.Result),
		TookMs: time.Since(started).Milliseconds(),
	}
	for _, hit := range out.Result {
		result.Items = append(result.Items, domain.SearchHit{
			ID:      fmt.Sprint(hit.ID),
			Score:   hit.Score,
			Payload: hit.Payload,
		})
	}
	if len(out.Result) == limit {
		result.NextCursor = encodeCursor(offset + limit)
	}
	return result, nil
}

// Stats summarizes a collection.
func (s *Store) Stats(ctx context.Context, collection string) (domain.CollectionStats, error) {
	status, raw, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", collection), nil)
	if err != nil {
		return domain.CollectionStats{}, err
	}
	if status == http.StatusNotFound {
		return domain.CollectionStats{}, fmt.Errorf("collection %s: %w", collection, domain.ErrNotFound)
	}
	if err := s.checkStatus("stats", status); err != nil {
		return domain.CollectionStats{}, err
	}
	var out struct {
		Result struct {
			PointsCount int64  `json:"points_count"`
			Status      string `json:"status"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.CollectionStats{}, fmt.Errorf("decode stats response: %w", err)
	}
	return domain.CollectionStats{Count: out.Result.PointsCount, Status: out.Result.Status}, nil
}

// Health reports whether the Qdrant instance responds.
func (s *Store) Health(ctx context.Context) bool {
	status, _, err := s.do(ctx, http.MethodGet, "/readyz", nil)
	return err == nil && status == http.StatusOK
}

// do issues one request and returns the status code and body. Transport
// errors are translated into the domain taxonomy.
func (s *Store) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("qdrant %s %s: %w", method, path, domain.ErrTimeout)
		}
		return 0, nil, fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes(), nil
}

// checkStatus maps HTTP status codes into the error taxonomy.
func (s *Store) checkStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("qdrant %s status %d: %w", op, status, domain.ErrAuthentication)
	case status == http.StatusNotFound:
		return fmt.Errorf("qdrant %s status %d: %w", op, status, domain.ErrNotFound)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("qdrant %s status %d: %w", op, status, domain.ErrTimeout)
	default:
		return fmt.Errorf("qdrant %s status %d", op, status)
	}
}

// splitObject separates the reserved vector field from the payload.
func splitObject(obj map[string]any) ([]float32, map[string]any) {
	payload := make(map[string]any, len(obj))
	var vector []float32
	for k, v := range obj {
		if k == "vector" {
			if vec, ok := v.([]float32); ok {
				vector = vec
				continue
			}
		}
		payload[k] = v
	}
	return vector, payload
}

func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, domain.NewValidationError([]string{fmt.Sprintf("malformed cursor %q", cursor)})
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, domain.NewValidationError([]string{fmt.Sprintf("malformed cursor %q", cursor)})
	}
	return offset, nil
}
