package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codecollab/pkg/domain"
)

const (
	chatsCollection    = "chats"
	projectsCollection = "projects"
)

// chatDocument is the stored shape of a ChatEntry. The client-generated id is
// the document _id, so the primary key rejects duplicate inserts.
type chatDocument struct {
	ID        string        `bson:"_id"`
	ProjectID string        `bson:"projectId"`
	Body      string        `bson:"body"`
	Author    domain.Author `bson:"author"`
	CreatedAt time.Time     `bson:"createdAt"`
}

type projectDocument struct {
	ID        primitive.ObjectID `bson:"_id"`
	Name      string             `bson:"name"`
	Users     []string           `bson:"users"`
	CreatedAt time.Time          `bson:"createdAt"`
}

// MongoStore implements ProjectStore and ChatStore on a MongoDB database.
type MongoStore struct {
	client   *mongo.Client
	chats    *mongo.Collection
	projects *mongo.Collection
}

// NewMongoStore connects, pings, and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		chats:    db.Collection(chatsCollection),
		projects: db.Collection(projectsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.chats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "projectId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
		Options: options.Index().SetName("project_created_id"),
	})
	if err != nil {
		return fmt.Errorf("create chat index: %w", err)
	}
	_, err = s.projects.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetName("name_unique").SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create project index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateProject(ctx context.Context, p domain.Project) error {
	oid, err := primitive.ObjectIDFromHex(p.ID)
	if err != nil {
		return fmt.Errorf("project id: %w", err)
	}
	users := p.Members
	if users == nil {
		users = []string{}
	}
	_, err = s.projects.InsertOne(ctx, projectDocument{
		ID:        oid,
		Name:      p.Name,
		Users:     users,
		CreatedAt: p.CreatedAt.UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrProjectNameTaken
	}
	if err != nil {
		return fmt.Errorf("%w: create project: %v", ErrStorage, err)
	}
	return nil
}

func (s *MongoStore) GetProject(ctx context.Context, id string) (domain.Project, bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return domain.Project{}, false, nil
	}
	var doc projectDocument
	err = s.projects.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Project{}, false, nil
	}
	if err != nil {
		return domain.Project{}, false, fmt.Errorf("%w: get project: %v", ErrStorage, err)
	}
	return domain.Project{
		ID:        doc.ID.Hex(),
		Name:      doc.Name,
		Members:   doc.Users,
		CreatedAt: doc.CreatedAt.UTC(),
	}, true, nil
}

func (s *MongoStore) AddMembers(ctx context.Context, projectID string, userIDs []string) error {
	oid, err := primitive.ObjectIDFromHex(projectID)
	if err != nil {
		return ErrProjectNotFound
	}
	res, err := s.projects.UpdateByID(ctx, oid, bson.M{
		"$addToSet": bson.M{"users": bson.M{"$each": userIDs}},
	})
	if err != nil {
		return fmt.Errorf("%w: add members: %v", ErrStorage, err)
	}
	if res.MatchedCount == 0 {
		return ErrProjectNotFound
	}
	return nil
}

func (s *MongoStore) EntryExists(ctx context.Context, id string) (bool, error) {
	n, err := s.chats.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("%w: entry exists: %v", ErrStorage, err)
	}
	return n > 0, nil
}

// AppendEntry inserts the entry; a duplicate-key error means another writer
// got there first and the stored document is returned instead.
func (s *MongoStore) AppendEntry(ctx context.Context, e domain.ChatEntry) (domain.ChatEntry, bool, error) {
	doc := chatDocument{
		ID:        e.ID,
		ProjectID: e.ProjectID,
		Body:      e.Body,
		Author:    e.Author,
		CreatedAt: e.CreatedAt.UTC(),
	}
	_, err := s.chats.InsertOne(ctx, doc)
	if err == nil {
		return fromChatDocument(doc), true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return domain.ChatEntry{}, false, fmt.Errorf("%w: append entry: %v", ErrStorage, err)
	}
	var existing chatDocument
	if err := s.chats.FindOne(ctx, bson.M{"_id": e.ID}).Decode(&existing); err != nil {
		return domain.ChatEntry{}, false, fmt.Errorf("%w: load existing entry: %v", ErrStorage, err)
	}
	return fromChatDocument(existing), false, nil
}

func (s *MongoStore) ListEntriesByProject(ctx context.Context, projectID string) ([]domain.ChatEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.chats.Find(ctx, bson.M{"projectId": projectID}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", ErrStorage, err)
	}
	defer cur.Close(ctx)

	out := make([]domain.ChatEntry, 0)
	for cur.Next(ctx) {
		var doc chatDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		out = append(out, fromChatDocument(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("%w: list entries: %v", ErrStorage, err)
	}
	return out, nil
}

func fromChatDocument(doc chatDocument) domain.ChatEntry {
	return domain.ChatEntry{
		ID:        doc.ID,
		ProjectID: doc.ProjectID,
		Body:      doc.Body,
		Author:    doc.Author,
		CreatedAt: doc.CreatedAt.UTC(),
	}
}
