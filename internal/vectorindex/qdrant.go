package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantIndex implements Index using Qdrant. All tenants share one
// collection; isolation is enforced by a tenant_id payload tag written on
// every point and a mandatory tenant filter on every query and delete.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrant creates a Qdrant-backed index and ensures the collection exists
// with the given vector size (cosine distance).
func NewQdrant(ctx context.Context, host string, port int, collection string, dims int) (*QdrantIndex, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}

	idx := &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}
	if dims > 0 {
		if err := idx.ensureCollection(ctx, dims); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dims int) error {
	resp, err := q.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{
		CollectionName: q.collection,
	})
	if err != nil {
		return unavailable(err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, tenantID string, records []Record) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	points := make([]*pb.PointStruct, len(records))
	for i, rec := range records {
		payload := map[string]*pb.Value{
			TenantKey: {Kind: &pb.Value_StringValue{StringValue: tenantID}},
			ChunkKey:  {Kind: &pb.Value_StringValue{StringValue: rec.ID}},
		}
		for k, v := range rec.Metadata {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(tenantID, rec.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Vector}}},
			Payload: payload,
		}
	}

	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	if err != nil {
		return 0, unavailable(err)
	}
	return len(records), nil
}

func (q *QdrantIndex) Query(ctx context.Context, tenantID string, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	conditions := []*pb.Condition{keywordCondition(TenantKey, tenantID)}
	for k, v := range filter {
		conditions = append(conditions, keywordCondition(k, v))
	}

	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		Filter:         &pb.Filter{Must: conditions},
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, unavailable(err)
	}

	matches := make([]Match, len(resp.Result))
	for i, pt := range resp.Result {
		id := ""
		meta := make(map[string]string)
		for k, v := range pt.Payload {
			switch k {
			case ChunkKey:
				id = v.GetStringValue()
			case TenantKey:
				// isolation tag, not caller metadata
			default:
				meta[k] = v.GetStringValue()
			}
		}
		matches[i] = Match{ID: id, Score: pt.Score, Metadata: meta}
	}
	return matches, nil
}

func (q *QdrantIndex) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{
					keywordCondition(TenantKey, tenantID),
					keywordCondition(DocumentKey, documentID),
				}},
			},
		},
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (q *QdrantIndex) DeleteByID(ctx context.Context, tenantID, id string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{
					Ids: []*pb.PointId{{
						PointIdOptions: &pb.PointId_Uuid{Uuid: pointID(tenantID, id)},
					}},
				},
			},
		},
	})
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// ScoreKind reports similarity semantics: the collection uses cosine
// distance, for which Qdrant returns higher-is-better scores.
func (q *QdrantIndex) ScoreKind() ScoreKind { return ScoreSimilarity }

// Ping checks that the backend answers and the collection is present.
func (q *QdrantIndex) Ping(ctx context.Context) error {
	resp, err := q.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{
		CollectionName: q.collection,
	})
	if err != nil {
		return unavailable(err)
	}
	if !resp.GetResult().GetExists() {
		return fmt.Errorf("collection %q does not exist", q.collection)
	}
	return nil
}

func (q *QdrantIndex) Close() error { return q.conn.Close() }

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// pointID derives a stable UUID for a chunk so re-upserts overwrite the
// existing point. Qdrant point ids must be UUIDs or integers; the original
// chunk id travels in the payload.
func pointID(tenantID, chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"/"+chunkID)).String()
}

var _ Index = (*QdrantIndex)(nil)
