package vectorstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/pkg/errors"
)

const collectionName = "chat_messages"

// SearchResult is a single semantic-search hit.
type SearchResult struct {
	ChatID    string  `json:"chatId"`
	MessageID int32   `json:"messageId"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Score     float32 `json:"score"`
}

// Document is a message to index.
type Document struct {
	ChatID    string
	MessageID int32
	Role      string
	Content   string
}

// Store wraps a chromem-go collection of chat messages.
type Store struct {
	mu      sync.RWMutex
	db      *chromem.DB
	embedFn chromem.EmbeddingFunc
}

// New creates (or opens) the persistent vector store at dataDir/vectorstore/.
func New(dataDir string, embedFunc chromem.EmbeddingFunc) (*Store, error) {
	dir := filepath.Join(dataDir, "vectorstore")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create vectorstore dir")
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open vectorstore")
	}
	return &Store{db: db, embedFn: embedFunc}, nil
}

// NewInMemory creates a store that lives as long as the process.
func NewInMemory(embedFunc chromem.EmbeddingFunc) *Store {
	return &Store{db: chromem.NewDB(), embedFn: embedFunc}
}

// NewOpenAICompatEmbedding returns an embedding function for an
// OpenAI-compatible /embeddings endpoint.
func NewOpenAICompatEmbedding(baseURL, apiKey, model string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, nil)
}

func (s *Store) collection() (*chromem.Collection, error) {
	col := s.db.GetCollection(collectionName, s.embedFn)
	if col != nil {
		return col, nil
	}
	col, err := s.db.CreateCollection(collectionName, nil, s.embedFn)
	if err != nil {
		slog.Error("failed to create vector collection", slog.String("error", err.Error()))
		return nil, errors.Wrap(err, "failed to create vector collection")
	}
	return col, nil
}

// Upsert indexes (or re-indexes) a message.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection()
	if err != nil {
		return err
	}
	return col.AddDocument(ctx, toChromem(doc))
}

// Replace rebuilds the collection from docs, dropping everything else.
func (s *Store) Replace(ctx context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(collectionName); err != nil {
		return errors.Wrap(err, "failed to drop vector collection")
	}
	if len(docs) == 0 {
		return nil
	}
	col, err := s.collection()
	if err != nil {
		return err
	}
	chromemDocs := make([]chromem.Document, 0, len(docs))
	for _, doc := range docs {
		chromemDocs = append(chromemDocs, toChromem(doc))
	}
	return col.AddDocuments(ctx, chromemDocs, runtime.NumCPU())
}

func toChromem(doc Document) chromem.Document {
	return chromem.Document{
		ID:      strconv.Itoa(int(doc.MessageID)),
		Content: doc.Content,
		Metadata: map[string]string{
			"chat_id": doc.ChatID,
			"role":    doc.Role,
		},
	}
}

// DeleteChat drops every indexed message of a chat.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection()
	if err != nil {
		return err
	}
	if col.Count() == 0 {
		return nil
	}
	return col.Delete(ctx, map[string]string{"chat_id": chatID}, nil)
}

// Count returns the number of indexed messages.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col := s.db.GetCollection(collectionName, s.embedFn)
	if col == nil {
		return 0
	}
	return col.Count()
}

// Search returns the top-k messages most similar to the query. An empty
// chatID searches every chat.
func (s *Store) Search(ctx context.Context, chatID, query string, k int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.db.GetCollection(collectionName, s.embedFn)
	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	var where map[string]string
	if chatID != "" {
		where = map[string]string{"chat_id": chatID}
	}

	var results []chromem.Result
	var err error
	// Count can shrink between the check and the query; step down k until
	// the query fits.
	for attemptK := k; attemptK > 0; attemptK-- {
		results, err = col.Query(ctx, query, attemptK, where, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query vector collection")
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		id, _ := strconv.Atoi(r.ID)
		out = append(out, SearchResult{
			ChatID:    r.Metadata["chat_id"],
			MessageID: int32(id),
			Role:      r.Metadata["role"],
			Content:   r.Content,
			Score:     r.Similarity,
		})
	}
	return out, nil
}
