package content

import (
	"context"
	"sort"
	"sync"
	"time"

	"newsdesk.org/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	articles map[string]*Article
	comments map[string][]Comment // article id -> comments, oldest first
	now      func() time.Time
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		articles: make(map[string]*Article),
		comments: make(map[string][]Comment),
		now:      time.Now,
	}
}

func (s *InMemory) CreateArticle(ctx context.Context, authorID string, in ArticleInput) (Article, error) {
	if err := ctx.Err(); err != nil {
		return Article{}, err
	}
	now := s.now().UTC()
	a := &Article{
		ID:        ids.New(),
		Title:     in.Title,
		Summary:   in.Summary,
		Body:      in.Body,
		Category:  in.Category,
		ImageURL:  in.ImageURL,
		AuthorID:  authorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.articles[a.ID] = a
	s.mu.Unlock()
	return *a, nil
}

func (s *InMemory) GetArticle(ctx context.Context, id string) (Article, error) {
	if err := ctx.Err(); err != nil {
		return Article{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.articles[id]
	if !ok {
		return Article{}, ErrNotFound
	}
	return *a, nil
}

func (s *InMemory) ListArticles(ctx context.Context, page Page) ([]Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page = page.Normalize()
	s.mu.RLock()
	all := make([]Article, 0, len(s.articles))
	for _, a := range s.articles {
		all = append(all, *a)
	}
	s.mu.RUnlock()

	// ids are ULIDs, so descending id is newest first
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return window(all, page), nil
}

func (s *InMemory) UpdateArticle(ctx context.Context, id string, in ArticleInput) (Article, error) {
	if err := ctx.Err(); err != nil {
		return Article{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return Article{}, ErrNotFound
	}
	a.Title = in.Title
	a.Summary = in.Summary
	a.Body = in.Body
	a.Category = in.Category
	a.ImageURL = in.ImageURL
	a.UpdatedAt = s.now().UTC()
	return *a, nil
}

func (s *InMemory) DeleteArticle(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.articles[id]; !ok {
		return ErrNotFound
	}
	delete(s.articles, id)
	delete(s.comments, id)
	return nil
}

func (s *InMemory) AddComment(ctx context.Context, articleID, authorID string, in CommentInput) (Comment, error) {
	if err := ctx.Err(); err != nil {
		return Comment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.articles[articleID]; !ok {
		return Comment{}, ErrNotFound
	}
	c := Comment{
		ID:        ids.New(),
		ArticleID: articleID,
		AuthorID:  authorID,
		Body:      in.Body,
		CreatedAt: s.now().UTC(),
	}
	s.comments[articleID] = append(s.comments[articleID], c)
	return c, nil
}

func (s *InMemory) ListComments(ctx context.Context, articleID string, page Page) ([]Comment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page = page.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.articles[articleID]; !ok {
		return nil, ErrNotFound
	}
	out := append([]Comment(nil), s.comments[articleID]...)
	return window(out, page), nil
}

func window[T any](items []T, page Page) []T {
	if page.Offset >= len(items) {
		return []T{}
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}
