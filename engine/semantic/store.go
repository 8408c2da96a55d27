// Package semantic owns every Qdrant operation: index lifecycle, record
// writes, deletes, and filtered similarity queries.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// PayloadRecordID is the payload key holding the caller's record id.
const PayloadRecordID = "recordId"

// recordNamespace derives deterministic point ids from record ids.
var recordNamespace = uuid.MustParse("9a3c4f1e-5b7d-4e2a-8c61-0d9f3b2a7e45")

type pointsClient interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

type collectionsClient interface {
	Get(ctx context.Context, in *pb.GetCollectionInfoRequest, opts ...grpc.CallOption) (*pb.GetCollectionInfoResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Options configures a Store.
type Options struct {
	// ReadyTimeout bounds the describe, create and readiness wait of EnsureIndex.
	ReadyTimeout time.Duration
	// PollInterval is the delay between readiness checks.
	PollInterval time.Duration
	// KeywordFields get a keyword payload index on every index this store creates.
	KeywordFields []string
	Logger        *slog.Logger
}

// Store is the vector store adapter.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsClient
	collections collectionsClient
	opts        Options
	logger      *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	dims  map[string]int
}

// New creates a Store connected to Qdrant at the given gRPC address.
func New(addr string, opts Options) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	s := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), opts)
	s.conn = conn
	return s, nil
}

// NewWithClients creates a Store over pre-built clients.
func NewWithClients(points pointsClient, collections collectionsClient, opts Options) *Store {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		points:      points,
		collections: collections,
		opts:        opts,
		logger:      logger,
		dims:        make(map[string]int),
	}
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// EnsureIndex makes sure the named index exists with the given dimension and
// is ready to serve. It is idempotent and safe for concurrent use; callers
// racing on the same name share one round trip.
func (s *Store) EnsureIndex(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return storeErr("ensure", name, fmt.Errorf("invalid dimension %d", dim))
	}
	if got, ok := s.cachedDim(name); ok {
		return checkDim(name, got, dim)
	}

	// The shared call outlives any one caller; each caller still honours its own ctx.
	ch := s.group.DoChan(name, func() (any, error) {
		if got, ok := s.cachedDim(name); ok {
			return got, nil
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ReadyTimeout)
		defer cancel()
		got, err := s.ensure(sctx, name, dim)
		if err != nil {
			return 0, err
		}
		s.mu.Lock()
		s.dims[name] = got
		s.mu.Unlock()
		return got, nil
	})
	select {
	case <-ctx.Done():
		return storeErr("ensure", name, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return r.Err
		}
		return checkDim(name, r.Val.(int), dim)
	}
}

func (s *Store) cachedDim(name string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dims[name]
	return d, ok
}

func checkDim(name string, have, want int) error {
	if have != want {
		return storeErr("ensure", name, fmt.Errorf("%w: index has %d, want %d", ErrDimensionMismatch, have, want))
	}
	return nil
}

// ensure returns the dimension of the index, creating it if needed. Only an
// index created by this call is polled until green; an existing index serves
// reads and writes while yellow.
func (s *Store) ensure(ctx context.Context, name string, dim int) (int, error) {
	info, err := s.describe(ctx, name)
	switch {
	case err == nil:
	case isNotFound(err):
		if err := s.create(ctx, name, dim); err != nil {
			// Another process may have won the race; trust what is there now.
			var derr error
			if info, derr = s.describe(ctx, name); derr != nil {
				return 0, storeErr("create", name, err)
			}
			s.logger.Info("semantic: index created concurrently", "index", name)
			break
		}
		s.logger.Info("semantic: index created", "index", name, "dim", dim)
		if info, err = s.waitReady(ctx, name); err != nil {
			return 0, err
		}
	default:
		return 0, storeErr("describe", name, err)
	}
	return int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()), nil
}

func (s *Store) describe(ctx context.Context, name string) (*pb.CollectionInfo, error) {
	resp, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		return nil, err
	}
	return resp.GetResult(), nil
}

func (s *Store) create(ctx context.Context, name string, dim int) error {
	_, err := s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return err
	}

	wait := true
	keyword := pb.FieldType_FieldTypeKeyword
	for _, field := range s.opts.KeywordFields {
		_, err := s.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: name,
			Wait:           &wait,
			FieldName:      field,
			FieldType:      &keyword,
		})
		if err != nil {
			// Filters still work without the index, only slower.
			s.logger.Warn("semantic: create payload index failed", "index", name, "field", field, "err", err)
		}
	}
	return nil
}

func (s *Store) waitReady(ctx context.Context, name string) (*pb.CollectionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		info, err := s.describe(ctx, name)
		if err == nil && info.GetStatus() == pb.CollectionStatus_Green {
			return info, nil
		}
		if err != nil && !isNotFound(err) && ctx.Err() == nil {
			return nil, storeErr("describe", name, err)
		}
		select {
		case <-ctx.Done():
			return nil, storeErr("ensure", name, fmt.Errorf("%w: %v", ErrIndexNotReady, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// DeleteIndex drops the named index.
func (s *Store) DeleteIndex(ctx context.Context, name string) error {
	_, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
	if err != nil {
		return storeErr("drop", name, err)
	}
	s.mu.Lock()
	delete(s.dims, name)
	s.mu.Unlock()
	return nil
}

// Upsert writes records to the index, overwriting existing records with the
// same id. It returns once the write is applied.
func (s *Store) Upsert(ctx context.Context, index string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	dim, known := s.cachedDim(index)

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		if r.ID == "" {
			return storeErr("upsert", index, fmt.Errorf("record %d: empty id", i))
		}
		if known && len(r.Vector) != dim {
			return storeErr("upsert", index, fmt.Errorf("%w: record %s has %d, index has %d", ErrDimensionMismatch, r.ID, len(r.Vector), dim))
		}
		payload := toPayload(r.Payload)
		payload[PayloadRecordID] = toValue(r.ID)

		points[i] = &pb.PointStruct{
			Id: pointID(r.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: r.Vector},
				},
			},
			Payload: payload,
		}
	}

	wait := true
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: index,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return storeErr("upsert", index, fmt.Errorf("%d points: %w", len(records), err))
	}
	return nil
}

// Delete removes records by record id. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, index string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}

	wait := true
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: index,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pids},
			},
		},
	})
	if err != nil {
		return storeErr("delete", index, err)
	}
	return nil
}

// Query returns up to topK records nearest to vec, best first. Every filter
// entry must match exactly; the filter is applied inside Qdrant.
func (s *Store) Query(ctx context.Context, index string, vec []float32, topK int, filter map[string]string) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	if dim, ok := s.cachedDim(index); ok && len(vec) != dim {
		return nil, storeErr("query", index, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vec), dim))
	}

	req := &pb.SearchPoints{
		CollectionName: index,
		Vector:         vec,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filter) > 0 {
		must := make([]*pb.Condition, 0, len(filter))
		for k, val := range filter {
			must = append(must, fieldMatch(k, val))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := s.points.Search(ctx, req)
	if err != nil {
		return nil, storeErr("query", index, err)
	}

	matches := make([]Match, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload := fromPayload(p.GetPayload())
		id, _ := payload[PayloadRecordID].(string)
		if id == "" {
			id = p.GetId().GetUuid()
		}
		delete(payload, PayloadRecordID)
		matches = append(matches, Match{
			RecordID: id,
			Score:    float64(p.GetScore()),
			Payload:  payload,
		})
	}
	return matches, nil
}

func pointID(recordID string) *pb.PointId {
	return &pb.PointId{
		PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(recordNamespace, []byte(recordID)).String()},
	}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func isNotFound(err error) bool {
	if status.Code(err) == codes.NotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "not found")
}
