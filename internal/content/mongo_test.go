package content

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get maps missing document", func(mt *mtest.T) {
		s := NewMongoStore(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.articles", mtest.FirstBatch))
		if _, err := s.GetArticle(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	mt.Run("get decodes article", func(mt *mtest.T) {
		s := NewMongoStore(mt.DB)
		created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
		mt.AddMockResponses(mtest.CreateCursorResponse(1, "db.articles", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "a1"},
			{Key: "title", Value: "Hello"},
			{Key: "body", Value: "Lorem ipsum dolor"},
			{Key: "author_id", Value: "u1"},
			{Key: "created_at", Value: created},
			{Key: "updated_at", Value: created},
		}))
		a, err := s.GetArticle(context.Background(), "a1")
		if err != nil {
			mt.Fatalf("GetArticle: %v", err)
		}
		if a.ID != "a1" || a.Title != "Hello" || a.AuthorID != "u1" || !a.CreatedAt.Equal(created) {
			mt.Fatalf("unexpected article: %+v", a)
		}
	})

	mt.Run("create", func(mt *mtest.T) {
		s := NewMongoStore(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		a, err := s.CreateArticle(context.Background(), "u1", ArticleInput{Title: "Hi", Body: "Lorem ipsum dolor"})
		if err != nil {
			mt.Fatalf("CreateArticle: %v", err)
		}
		if a.ID == "" || a.AuthorID != "u1" {
			mt.Fatalf("unexpected article: %+v", a)
		}
	})

	mt.Run("delete missing", func(mt *mtest.T) {
		s := NewMongoStore(mt.DB)
		mt.AddMockResponses(bson.D{{Key: "ok", Value: 1}, {Key: "n", Value: 0}})
		if err := s.DeleteArticle(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
			mt.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
