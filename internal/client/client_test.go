package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"faceauth-service/internal/config"
)

func TestExtractHostPort(t *testing.T) {
	cases := map[string]string{
		"http://localhost:9000":         "localhost:9000",
		"http://ch.internal":            "ch.internal:9000",
		"https://ch.internal":           "ch.internal:9440",
		"clickhouse://ch:9000/faceauth": "ch:9000",
	}
	for in, want := range cases {
		assert.Equal(t, want, extractHostPort(in), in)
	}
	assert.Equal(t, "ch.internal", extractHostname("https://ch.internal:9440"))
}

type captureWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestKafkaProducer_ProduceMessage(t *testing.T) {
	w := &captureWriter{}
	p := NewKafkaProducerWithWriter(w, "faceauth.auth-events", zap.NewNop())

	err := p.ProduceMessage(context.Background(), []byte("E1001"), []byte(`{"flow":"login"}`),
		map[string]string{"flow": "login"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "E1001", string(w.msgs[0].Key))
	require.Len(t, w.msgs[0].Headers, 1)
	assert.Equal(t, "flow", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "faceauth.auth-events", p.Topic())
}

func TestKafkaProducer_WriteError(t *testing.T) {
	w := &captureWriter{err: errors.New("leader not available")}
	p := NewKafkaProducerWithWriter(w, "t", zap.NewNop())

	err := p.ProduceMessage(context.Background(), nil, []byte("x"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader not available")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func esResponse(status int, body string) *http.Response {
	h := http.Header{}
	h.Set("X-Elastic-Product", "Elasticsearch")
	h.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

// esInfo answers the client's product check.
func esInfo() *http.Response {
	return esResponse(http.StatusOK, `{"version":{"number":"8.19.0","build_flavor":"default"},"tagline":"You Know, for Search"}`)
}

func TestESClient_IndexDocument(t *testing.T) {
	var gotPath, gotMethod, gotBody string
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/" {
			return esInfo(), nil
		}
		gotPath, gotMethod = r.URL.Path, r.Method
		if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			gotBody = string(b)
		}
		return esResponse(http.StatusCreated, `{"result":"created"}`), nil
	})

	es, err := newESClient(config.ElasticsearchConfig{URL: "http://es:9200", Index: "auth-events"}, transport, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "auth-events", es.Index())

	err = es.IndexDocument(context.Background(), "auth-events", "01HZY", map[string]string{"flow": "login"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/auth-events/_doc/01HZY", gotPath)
	assert.Contains(t, gotBody, `"flow":"login"`)
}

func TestESClient_IndexDocumentError(t *testing.T) {
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/" {
			return esInfo(), nil
		}
		return esResponse(http.StatusBadRequest,
			`{"error":{"type":"mapper_parsing_exception","reason":"failed to parse"}}`), nil
	})
	es, err := newESClient(config.ElasticsearchConfig{URL: "http://es:9200", Index: "auth-events"}, transport, zap.NewNop())
	require.NoError(t, err)

	err = es.IndexDocument(context.Background(), "auth-events", "1", map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}
