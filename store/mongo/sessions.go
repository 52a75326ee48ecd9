// Package mongo hosts the MongoDB-backed planner session store. Session
// records are document-shaped (nested tool-call arrays and free-form
// reasoning), which is why they live here rather than in the relational
// store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/google/uuid"

	"github.com/cronicorn/cronicorn/endpoint"
)

const (
	defaultSessionsCollection = "ai_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "sessions-mongo"
)

// Sessions exposes Mongo-backed operations for planner session telemetry.
type Sessions interface {
	health.Pinger

	InsertSession(ctx context.Context, s *endpoint.Session) error
	RecentSessions(ctx context.Context, endpointID string, limit int) ([]*endpoint.Session, error)
}

// Options configures the Mongo session store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type sessions struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Sessions store backed by MongoDB.
func New(opts Options) (Sessions, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return &sessions{mongo: opts.Client, coll: wrapper, timeout: timeout}, nil
}

func (s *sessions) Name() string { return sessionClientName }

func (s *sessions) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *sessions) InsertSession(ctx context.Context, sess *endpoint.Session) error {
	if sess.EndpointID == "" {
		return errors.New("endpoint id is required")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.AnalyzedAt.IsZero() {
		sess.AnalyzedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, fromSession(sess))
	return err
}

func (s *sessions) RecentSessions(ctx context.Context, endpointID string, limit int) ([]*endpoint.Session, error) {
	if endpointID == "" {
		return nil, errors.New("endpoint id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "analyzed_at", Value: -1}}).
		SetLimit(int64(limit))
	docs, err := s.coll.Find(ctx, bson.M{"endpoint_id": endpointID}, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*endpoint.Session, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toSession())
	}
	return out, nil
}

func (s *sessions) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type toolCallDocument struct {
	Name   string         `bson:"name"`
	Args   map[string]any `bson:"args,omitempty"`
	Result any            `bson:"result,omitempty"`
	Error  string         `bson:"error,omitempty"`
}

type sessionDocument struct {
	SessionID      string             `bson:"session_id"`
	EndpointID     string             `bson:"endpoint_id"`
	AnalyzedAt     time.Time          `bson:"analyzed_at"`
	ToolCalls      []toolCallDocument `bson:"tool_calls,omitempty"`
	Reasoning      string             `bson:"reasoning,omitempty"`
	InputTokens    int                `bson:"input_tokens"`
	OutputTokens   int                `bson:"output_tokens"`
	TotalTokens    int                `bson:"total_tokens"`
	NextAnalysisAt time.Time          `bson:"next_analysis_at"`
	FailureCount   int                `bson:"failure_count"`
}

func fromSession(s *endpoint.Session) sessionDocument {
	calls := make([]toolCallDocument, 0, len(s.ToolCalls))
	for _, c := range s.ToolCalls {
		calls = append(calls, toolCallDocument{Name: c.Name, Args: c.Args, Result: c.Result, Error: c.Error})
	}
	return sessionDocument{
		SessionID:      s.ID,
		EndpointID:     s.EndpointID,
		AnalyzedAt:     s.AnalyzedAt.UTC(),
		ToolCalls:      calls,
		Reasoning:      s.Reasoning,
		InputTokens:    s.InputTokens,
		OutputTokens:   s.OutputTokens,
		TotalTokens:    s.TotalTokens,
		NextAnalysisAt: s.NextAnalysisAt.UTC(),
		FailureCount:   s.FailureCount,
	}
}

func (doc sessionDocument) toSession() *endpoint.Session {
	calls := make([]endpoint.ToolCallRecord, 0, len(doc.ToolCalls))
	for _, c := range doc.ToolCalls {
		calls = append(calls, endpoint.ToolCallRecord{Name: c.Name, Args: c.Args, Result: c.Result, Error: c.Error})
	}
	return &endpoint.Session{
		ID:             doc.SessionID,
		EndpointID:     doc.EndpointID,
		AnalyzedAt:     doc.AnalyzedAt,
		ToolCalls:      calls,
		Reasoning:      doc.Reasoning,
		InputTokens:    doc.InputTokens,
		OutputTokens:   doc.OutputTokens,
		TotalTokens:    doc.TotalTokens,
		NextAnalysisAt: doc.NextAnalysisAt,
		FailureCount:   doc.FailureCount,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "endpoint_id", Value: 1}, {Key: "analyzed_at", Value: -1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

// collection abstracts the Mongo collection operations used by the store so
// tests can substitute a fake.
type collection interface {
	InsertOne(ctx context.Context, doc sessionDocument) (any, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) ([]sessionDocument, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc sessionDocument) (any, error) {
	res, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) ([]sessionDocument, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []sessionDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
