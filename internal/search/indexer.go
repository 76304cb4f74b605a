// Package search indexes chat messages into Elasticsearch and serves
// room-scoped full-text search.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/weiawesome/wes-io-talk/internal/domain"
)

const defaultLimit = 20

// Indexer is the search side effect of appending a message.
type Indexer interface {
	Index(ctx context.Context, msg *domain.ChatMessage) error
	Search(ctx context.Context, roomID, query string, offset, limit int) ([]*Hit, int, error)
}

// Hit is one search result.
type Hit struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Seq       int64     `json:"seq"`
	SenderID  string    `json:"senderId"`
	Message   string    `json:"message"`
	FileName  string    `json:"fileName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// document is what gets stored; read state never goes to the index.
type document struct {
	ID         string            `json:"id"`
	RoomID     string            `json:"room_id"`
	Seq        int64             `json:"seq"`
	SenderID   string            `json:"sender_id"`
	SenderRole domain.SenderRole `json:"sender_role"`
	Message    string            `json:"message"`
	FileName   string            `json:"file_name,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

type ESIndexer struct {
	client *elasticsearch.Client
	index  string
}

func NewESIndexer(client *elasticsearch.Client, index string) *ESIndexer {
	if index == "" {
		index = "chat-messages"
	}
	return &ESIndexer{client: client, index: index}
}

// NewClient creates an Elasticsearch client for addresses.
func NewClient(addresses []string, username, password string) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return client, nil
}

func (r *ESIndexer) Index(ctx context.Context, msg *domain.ChatMessage) error {
	data, err := json.Marshal(&document{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		Seq:        msg.Seq,
		SenderID:   msg.SenderID,
		SenderRole: msg.SenderRole,
		Message:    msg.Message,
		FileName:   msg.FileName,
		Timestamp:  msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	res, err := r.client.Index(
		r.index,
		bytes.NewReader(data),
		r.client.Index.WithContext(ctx),
		r.client.Index.WithDocumentID(msg.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to index message: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}
	return nil
}

func (r *ESIndexer) Search(ctx context.Context, roomID, query string, offset, limit int) ([]*Hit, int, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, 0, fmt.Errorf("%w: empty query", domain.ErrValidation)
	}
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	body := map[string]interface{}{
		"from": offset,
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"room_id": roomID}},
				},
				"must": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":  query,
						"fields": []string{"message", "file_name"},
					},
				},
			},
		},
		"sort": []interface{}{
			map[string]interface{}{"seq": "desc"},
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal query: %w", err)
	}

	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(r.index),
		r.client.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: search messages: %v", domain.ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, 0, fmt.Errorf("elasticsearch error: %s", res.String())
	}

	var result esResponse
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}

	hits := make([]*Hit, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		var doc document
		if err := json.Unmarshal(h.Source, &doc); err != nil {
			continue
		}
		hits = append(hits, &Hit{
			ID:        doc.ID,
			RoomID:    doc.RoomID,
			Seq:       doc.Seq,
			SenderID:  doc.SenderID,
			Message:   doc.Message,
			FileName:  doc.FileName,
			Timestamp: doc.Timestamp,
		})
	}

	return hits, result.Hits.Total.Value, nil
}

// esResponse is the generic Elasticsearch search response structure.
type esResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}
