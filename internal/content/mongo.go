package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"newsdesk.org/internal/ids"
)

var _ Store = (*MongoStore)(nil)

// MongoStore keeps articles and comments in two collections.
type MongoStore struct {
	articles *mongo.Collection
	comments *mongo.Collection
	now      func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		articles: db.Collection("articles"),
		comments: db.Collection("comments"),
		now:      time.Now,
	}
}

// EnsureIndexes creates the listing indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.articles.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: -1}},
	}); err != nil {
		return fmt.Errorf("content: articles index: %w", err)
	}
	if _, err := s.comments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "article_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return fmt.Errorf("content: comments index: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateArticle(ctx context.Context, authorID string, in ArticleInput) (Article, error) {
	now := s.now().UTC()
	a := Article{
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
	if _, err := s.articles.InsertOne(ctx, a); err != nil {
		return Article{}, err
	}
	return a, nil
}

func (s *MongoStore) GetArticle(ctx context.Context, id string) (Article, error) {
	var a Article
	if err := s.articles.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		return Article{}, notFound(err)
	}
	return a, nil
}

func (s *MongoStore) ListArticles(ctx context.Context, page Page) ([]Article, error) {
	page = page.Normalize()
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))
	cursor, err := s.articles.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	articles := []Article{}
	if err := cursor.All(ctx, &articles); err != nil {
		return nil, err
	}
	return articles, nil
}

func (s *MongoStore) UpdateArticle(ctx context.Context, id string, in ArticleInput) (Article, error) {
	update := bson.M{
		"$set": bson.M{
			"title":      in.Title,
			"summary":    in.Summary,
			"body":       in.Body,
			"category":   in.Category,
			"image_url":  in.ImageURL,
			"updated_at": s.now().UTC(),
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var a Article
	if err := s.articles.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&a); err != nil {
		return Article{}, notFound(err)
	}
	return a, nil
}

func (s *MongoStore) DeleteArticle(ctx context.Context, id string) error {
	res, err := s.articles.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	if _, err := s.comments.DeleteMany(ctx, bson.M{"article_id": id}); err != nil {
		return fmt.Errorf("content: delete comments of %s: %w", id, err)
	}
	return nil
}

func (s *MongoStore) AddComment(ctx context.Context, articleID, authorID string, in CommentInput) (Comment, error) {
	if err := s.articleExists(ctx, articleID); err != nil {
		return Comment{}, err
	}
	c := Comment{
		ID:        ids.New(),
		ArticleID: articleID,
		AuthorID:  authorID,
		Body:      in.Body,
		CreatedAt: s.now().UTC(),
	}
	if _, err := s.comments.InsertOne(ctx, c); err != nil {
		return Comment{}, err
	}
	return c, nil
}

func (s *MongoStore) ListComments(ctx context.Context, articleID string, page Page) ([]Comment, error) {
	if err := s.articleExists(ctx, articleID); err != nil {
		return nil, err
	}
	page = page.Normalize()
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(page.Offset)).
		SetLimit(int64(page.Limit))
	cursor, err := s.comments.Find(ctx, bson.M{"article_id": articleID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	comments := []Comment{}
	if err := cursor.All(ctx, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func (s *MongoStore) articleExists(ctx context.Context, id string) error {
	n, err := s.articles.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}
