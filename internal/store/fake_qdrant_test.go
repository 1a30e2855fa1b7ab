package store

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeQdrant is an in-memory subset of the Qdrant REST API.
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	requests    []string
	apiKeys     []string
	failNext    int // respond 503 to this many requests
}

type fakeCollection struct {
	size    int
	points  map[string]fakePoint
	indexes []string
}

type fakePoint struct {
	vector  []float32
	payload map[string]any
}

func newFakeQdrant(t *testing.T) (*fakeQdrant, *httptest.Server) {
	t.Helper()
	f := &fakeQdrant{collections: make(map[string]*fakeCollection)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeQdrant) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func writeResult(w http.ResponseWriter, status int, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "status": "ok"})
}

func (f *fakeQdrant) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))
	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":{"error":"overloaded"}}`))
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/collections/"), "/")
	name := parts[0]
	rest := strings.Join(parts[1:], "/")
	coll := f.collections[name]

	var body map[string]json.RawMessage
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch {
	case rest == "" && r.Method == http.MethodGet:
		if coll == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"status":{"error":"Not found"}}`))
			return
		}
		writeResult(w, http.StatusOK, map[string]any{
			"config": map[string]any{"params": map[string]any{
				"vectors": map[string]any{"size": coll.size, "distance": "Cosine"},
			}},
		})

	case rest == "" && r.Method == http.MethodPut:
		var params struct {
			Size int `json:"size"`
		}
		_ = json.Unmarshal(body["vectors"], &params)
		f.collections[name] = &fakeCollection{size: params.Size, points: make(map[string]fakePoint)}
		writeResult(w, http.StatusOK, true)

	case rest == "" && r.Method == http.MethodDelete:
		_, existed := f.collections[name]
		delete(f.collections, name)
		writeResult(w, http.StatusOK, existed)

	case coll == nil:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":{"error":"Collection not found"}}`))

	case rest == "index":
		var field string
		_ = json.Unmarshal(body["field_name"], &field)
		coll.indexes = append(coll.indexes, field)
		writeResult(w, http.StatusOK, map[string]any{"status": "completed"})

	case rest == "points" && r.Method == http.MethodPut:
		var points []struct {
			ID      string         `json:"id"`
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		}
		_ = json.Unmarshal(body["points"], &points)
		for _, p := range points {
			if len(p.Vector) != coll.size {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"status":{"error":"wrong vector size"}}`))
				return
			}
		}
		for _, p := range points {
			coll.points[p.ID] = fakePoint{vector: p.Vector, payload: p.Payload}
		}
		writeResult(w, http.StatusOK, map[string]any{"status": "completed"})

	case rest == "points/search":
		f.search(w, coll, body)

	case rest == "points/delete":
		var filter struct {
			Must    []fakeCondition `json:"must"`
			Should  []fakeCondition `json:"should"`
			MustNot []struct {
				HasID []string `json:"has_id"`
			} `json:"must_not"`
		}
		_ = json.Unmarshal(body["filter"], &filter)
		keep := map[string]bool{}
		for _, c := range filter.MustNot {
			for _, id := range c.HasID {
				keep[id] = true
			}
		}
		for id, p := range coll.points {
			if !keep[id] && matchFilter(p.payload, filter.Must, filter.Should) {
				delete(coll.points, id)
			}
		}
		writeResult(w, http.StatusOK, map[string]any{"status": "completed"})

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

type fakeCondition struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

func payloadValue(payload map[string]any, key string) string {
	var cur any = payload
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	s, _ := cur.(string)
	return s
}

func matchFilter(payload map[string]any, must, should []fakeCondition) bool {
	for _, c := range must {
		if payloadValue(payload, c.Key) != c.Match.Value {
			return false
		}
	}
	if len(should) == 0 {
		return true
	}
	for _, c := range should {
		if payloadValue(payload, c.Key) == c.Match.Value {
			return true
		}
	}
	return false
}

func (f *fakeQdrant) search(w http.ResponseWriter, coll *fakeCollection, body map[string]json.RawMessage) {
	var vector []float32
	var limit int
	var threshold float64
	var filter struct {
		Must []fakeCondition `json:"must"`
	}
	_ = json.Unmarshal(body["vector"], &vector)
	_ = json.Unmarshal(body["limit"], &limit)
	_ = json.Unmarshal(body["score_threshold"], &threshold)
	_ = json.Unmarshal(body["filter"], &filter)

	type hit struct {
		ID      string         `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}
	hits := []hit{}
	for id, p := range coll.points {
		if !matchFilter(p.payload, filter.Must, nil) {
			continue
		}
		score := cosine(vector, p.vector)
		if score < threshold {
			continue
		}
		hits = append(hits, hit{ID: id, Score: score, Payload: p.payload})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	writeResult(w, http.StatusOK, hits)
}
