package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/malbeclabs/tabula/pkg/agent"
)

const tableIDPayloadKey = "table_id"

// pointNamespace derives stable point IDs from table IDs so re-ingesting a
// table overwrites its previous point.
var pointNamespace = uuid.MustParse("6f1c7d0e-3b5a-4c8e-9a27-51d0b8e4f2a3")

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

func (c *QdrantConfig) Validate() error {
	if c.URL == "" {
		return errors.New("qdrant URL is required")
	}
	if c.Collection == "" {
		return errors.New("qdrant collection is required")
	}
	if c.Dims == 0 {
		return errors.New("qdrant dimensions must be greater than 0")
	}
	return nil
}

// QdrantIndex implements agent.SimilarityIndex backed by Qdrant. Points carry
// only the table ID; metadata is hydrated from the catalog at search time.
type QdrantIndex struct {
	client     *qdrant.Client
	catalog    agent.Catalog
	collection string
	dims       uint64
	log        *slog.Logger
}

// parseQdrantURL extracts host, port and TLS flag from a Qdrant URL. The
// REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("index: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("index: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

func NewQdrantIndex(cfg QdrantConfig, catalog agent.Catalog, log *slog.Logger) (*QdrantIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if catalog == nil {
		return nil, errors.New("catalog is required")
	}
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("index: connect to qdrant at %s:%d: %w", host, port, err)
	}

	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &QdrantIndex{
		client:     client,
		catalog:    catalog,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		log:        log,
	}, nil
}

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// EnsureCollection creates the collection if it does not exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("index: check collection exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.dims,
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return fmt.Errorf("index: create collection %q: %w", q.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      tableIDPayloadKey,
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("index: ensure index on %q: %w", tableIDPayloadKey, err)
	}

	q.log.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	return nil
}

// Search queries Qdrant for the k nearest tables. Points whose table is no
// longer in the catalog are skipped.
func (q *QdrantIndex) Search(ctx context.Context, embedding []float32, k int) ([]agent.Candidate, error) {
	if k <= 0 {
		return []agent.Candidate{}, nil
	}

	limit := uint64(k) //nolint:gosec
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("index: qdrant query: %w", err)
	}

	cands := make([]agent.Candidate, 0, len(scored))
	for _, sp := range scored {
		id := sp.GetPayload()[tableIDPayloadKey].GetStringValue()
		if id == "" {
			q.log.Warn("qdrant: point without table id", "point", sp.GetId().GetUuid())
			continue
		}
		t, err := q.catalog.Get(ctx, id)
		if errors.Is(err, agent.ErrUnknownTable) {
			q.log.Warn("qdrant: indexed table missing from catalog", "table", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("index: hydrate table %q: %w", id, err)
		}
		cands = append(cands, agent.Candidate{Table: t, Score: sp.GetScore()})
	}
	agent.SortCandidates(cands)
	return cands, nil
}

// Upsert writes entries as points keyed by their table ID.
func (q *QdrantIndex) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(e.Table.ID).String()),
			Vectors: qdrant.NewVectorsDense(e.Vector),
			Payload: qdrant.NewValueMap(map[string]any{
				tableIDPayloadKey: e.Table.ID,
				"dataset":         e.Table.Dataset,
			}),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("index: qdrant upsert %d points: %w", len(points), err)
	}
	q.log.Debug("qdrant: upserted points", "collection", q.collection, "count", len(points))
	return nil
}

// PointID is the Qdrant point ID used for a table.
func PointID(tableID string) uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte(tableID))
}
