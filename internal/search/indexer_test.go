package search

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

type esRequest struct {
	method string
	path   string
	body   map[string]interface{}
}

func fakeES(t *testing.T, respond func(r *http.Request) string) (*ESIndexer, *[]esRequest) {
	t.Helper()
	var seen []esRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		req := esRequest{method: r.Method, path: r.URL.Path}
		if len(data) > 0 {
			require.NoError(t, json.Unmarshal(data, &req.body))
		}
		seen = append(seen, req)
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, respond(r))
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient([]string{srv.URL}, "", "")
	require.NoError(t, err)
	return NewESIndexer(client, "test-messages"), &seen
}

func TestIndexStoresDocumentByID(t *testing.T) {
	idx, seen := fakeES(t, func(r *http.Request) string {
		return `{"result":"created","_id":"m1"}`
	})

	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	err := idx.Index(t.Context(), &domain.ChatMessage{
		ID: "m1", RoomID: "u1_u2", Seq: 7, SenderID: "u1", SenderRole: domain.RoleRecruiter,
		Message: "offer letter attached", FileURL: "https://files/x.pdf", FileName: "offer.pdf", Timestamp: ts,
		ReadBy: map[string]bool{"u1": true},
	})
	require.NoError(t, err)

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/test-messages/_doc/m1", req.path)
	assert.Equal(t, "u1_u2", req.body["room_id"])
	assert.Equal(t, "offer.pdf", req.body["file_name"])
	assert.NotContains(t, req.body, "readBy")
}

func TestSearchIsRoomScoped(t *testing.T) {
	idx, seen := fakeES(t, func(r *http.Request) string {
		return `{"hits":{"total":{"value":1},"hits":[{"_source":{"id":"m1","room_id":"u1_u2","seq":7,"sender_id":"u1","message":"offer letter","timestamp":"2024-05-01T09:00:00Z"}}]}}`
	})

	hits, total, err := idx.Search(t.Context(), "u1_u2", " offer ", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].ID)
	assert.Equal(t, int64(7), hits[0].Seq)

	req := (*seen)[0]
	assert.True(t, strings.HasSuffix(req.path, "/test-messages/_search"))
	assert.EqualValues(t, defaultLimit, req.body["size"])
	filter := req.body["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"].([]interface{})
	term := filter[0].(map[string]interface{})["term"].(map[string]interface{})
	assert.Equal(t, "u1_u2", term["room_id"])
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	idx, seen := fakeES(t, func(r *http.Request) string { return `{}` })
	_, _, err := idx.Search(t.Context(), "u1_u2", "  ", 0, 10)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, *seen)
}
