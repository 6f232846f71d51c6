package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mopts "go.mongodb.org/mongo-driver/mongo/options"
)

// AssetMetadataStore keeps one metadata document per settled order. The document id
// doubles as the reference written into the ledger asset.
type AssetMetadataStore struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAssetMetadataStore(db *mongo.Database, logger observability.Logger) *AssetMetadataStore {
	return &AssetMetadataStore{
		coll:   db.Collection("asset_metadata"),
		logger: logger,
	}
}

type AssetDoc struct {
	ID         string    `bson:"_id"`
	OrderID    string    `bson:"order_id"`
	TicketID   string    `bson:"ticket_id"`
	EventID    string    `bson:"event_id"`
	EventName  string    `bson:"event_name"`
	Venue      string    `bson:"venue"`
	StartsAt   time.Time `bson:"starts_at"`
	Owner      string    `bson:"owner"`
	PDFVersion int       `bson:"pdf_version"`
	Price      int64     `bson:"price"`
	CreatedAt  time.Time `bson:"created_at"`
}

func metadataRef(orderID uuid.UUID) string {
	return "meta-" + orderID.String()
}

// PutAssetMetadata upserts by order. A retried settlement step finds the document
// already there and gets the same reference back without rewriting it.
func (s *AssetMetadataStore) PutAssetMetadata(ctx context.Context, m domain.AssetMetadata) (string, error) {
	ref := metadataRef(m.OrderID)
	doc := AssetDoc{
		ID:         ref,
		OrderID:    m.OrderID.String(),
		TicketID:   m.TicketID.String(),
		EventID:    m.EventID.String(),
		EventName:  m.EventName,
		Venue:      m.Venue,
		StartsAt:   m.StartsAt.UTC(),
		Owner:      m.Owner,
		PDFVersion: m.PDFVersion,
		Price:      m.Price,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": ref},
		bson.M{"$setOnInsert": doc},
		mopts.Update().SetUpsert(true),
	)
	if err != nil {
		s.logger.Error("failed to store asset metadata", err)
		return "", err
	}
	return ref, nil
}

func (s *AssetMetadataStore) Get(ctx context.Context, orderID uuid.UUID) (*AssetDoc, error) {
	var doc AssetDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": metadataRef(orderID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.NotFoundf("asset metadata for order %s", orderID)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *AssetMetadataStore) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, nil)
}
