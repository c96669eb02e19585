// Package content stores the articles and comments served by the protected routes.
package content

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("content: not found")
	ErrForbidden = errors.New("content: not allowed to modify this resource")
)

// Article is a news article.
type Article struct {
	ID        string    `json:"id" bson:"_id"`
	Title     string    `json:"title" bson:"title"`
	Summary   string    `json:"summary,omitempty" bson:"summary,omitempty"`
	Body      string    `json:"body" bson:"body"`
	Category  string    `json:"category,omitempty" bson:"category,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty" bson:"image_url,omitempty"`
	AuthorID  string    `json:"authorId" bson:"author_id"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

// ArticleInput is the writable part of an article.
type ArticleInput struct {
	Title    string `json:"title" validate:"required,min=3,max=200"`
	Summary  string `json:"summary" validate:"omitempty,max=500"`
	Body     string `json:"body" validate:"required,min=10"`
	Category string `json:"category" validate:"omitempty,max=50"`
	ImageURL string `json:"imageUrl" validate:"omitempty,url"`
}

// Comment is a reader comment on an article.
type Comment struct {
	ID        string    `json:"id" bson:"_id"`
	ArticleID string    `json:"articleId" bson:"article_id"`
	AuthorID  string    `json:"authorId" bson:"author_id"`
	Body      string    `json:"body" bson:"body"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// CommentInput is the writable part of a comment.
type CommentInput struct {
	Body string `json:"body" validate:"required,min=1,max=2000"`
}

// Page selects a slice of a listing, newest first.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Store persists articles and comments.
type Store interface {
	CreateArticle(ctx context.Context, authorID string, in ArticleInput) (Article, error)
	GetArticle(ctx context.Context, id string) (Article, error)
	ListArticles(ctx context.Context, page Page) ([]Article, error)
	UpdateArticle(ctx context.Context, id string, in ArticleInput) (Article, error)
	// DeleteArticle removes the article and its comments.
	DeleteArticle(ctx context.Context, id string) error

	// AddComment returns ErrNotFound when the article does not exist.
	AddComment(ctx context.Context, articleID, authorID string, in CommentInput) (Comment, error)
	ListComments(ctx context.Context, articleID string, page Page) ([]Comment, error)
}
