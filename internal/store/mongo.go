package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/teerpro/result-engine/internal/draw"
	"github.com/teerpro/result-engine/internal/model"
)

// MongoStore implements Store on MongoDB. Per-wager settlement uses
// multi-document transactions, so the deployment must be a replica set.
type MongoStore struct {
	client  *mongo.Client
	results *mongo.Collection
	wagers  *mongo.Collection
	stats   *mongo.Collection
}

// NewMongoStore creates a store over the given database.
func NewMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:  client,
		results: db.Collection("results"),
		wagers:  db.Collection("wagers"),
		stats:   db.Collection("user_stats"),
	}
}

// EnsureIndexes creates the unique result key and the two query indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.results.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "game", Value: 1}, {Key: "date", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "date", Value: -1}}},
	}); err != nil {
		return wrap("ensure result indexes", err)
	}
	if _, err := s.wagers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "game", Value: 1}, {Key: "round", Value: 1}, {Key: "date", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "status", Value: 1}, {Key: "date", Value: -1}}},
	}); err != nil {
		return wrap("ensure wager indexes", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return wrap("ping", s.client.Ping(ctx, nil))
}

type resultDoc struct {
	Game         string     `bson:"game"`
	Date         string     `bson:"date"`
	FR           string     `bson:"fr,omitempty"`
	SR           string     `bson:"sr,omitempty"`
	FRDeclaredAt *time.Time `bson:"frDeclaredAt,omitempty"`
	SRDeclaredAt *time.Time `bson:"srDeclaredAt,omitempty"`
	CreatedAt    time.Time  `bson:"createdAt"`
}

func (d *resultDoc) toModel() *model.Result {
	return &model.Result{
		Game:         draw.Game(d.Game),
		Date:         d.Date,
		FR:           d.FR,
		SR:           d.SR,
		FRDeclaredAt: d.FRDeclaredAt,
		SRDeclaredAt: d.SRDeclaredAt,
		CreatedAt:    d.CreatedAt,
	}
}

func (s *MongoStore) EnsureResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	if err := s.upsertResult(ctx, game, date, time.Now().UTC()); err != nil {
		return nil, wrap("ensure result", err)
	}
	return s.GetResult(ctx, game, date)
}

func (s *MongoStore) upsertResult(ctx context.Context, game draw.Game, date string, at time.Time) error {
	_, err := s.results.UpdateOne(ctx,
		bson.M{"game": string(game), "date": date},
		bson.M{"$setOnInsert": bson.M{"createdAt": at}},
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// Concurrent upsert created it first.
		return nil
	}
	return err
}

func (s *MongoStore) FreshResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	return s.GetResult(ctx, game, date)
}

func (s *MongoStore) GetResult(ctx context.Context, game draw.Game, date string) (*model.Result, error) {
	var doc resultDoc
	err := s.results.FindOne(ctx, bson.M{"game": string(game), "date": date}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("result %s/%s: %w", game, date, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get result", err)
	}
	return doc.toModel(), nil
}

// DeclareRound filters on the round field being absent, so the single
// FindOneAndUpdate is the compare-and-swap.
func (s *MongoStore) DeclareRound(ctx context.Context, game draw.Game, date string, round draw.Round, number string, at time.Time) (*model.Result, bool, error) {
	if err := s.upsertResult(ctx, game, date, at); err != nil {
		return nil, false, wrap("declare round", err)
	}

	field, tsField := "fr", "frDeclaredAt"
	if round == draw.SecondRound {
		field, tsField = "sr", "srDeclaredAt"
	}

	var doc resultDoc
	err := s.results.FindOneAndUpdate(ctx,
		bson.M{"game": string(game), "date": date, field: nil},
		bson.M{"$set": bson.M{field: number, tsField: at}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		current, err := s.GetResult(ctx, game, date)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, wrap("declare round", err)
	}
	return doc.toModel(), true, nil
}

func (s *MongoStore) ListResultsByDate(ctx context.Context, date string) ([]model.Result, error) {
	opts := options.Find().SetSort(bson.D{{Key: "game", Value: 1}})
	return s.findResults(ctx, bson.M{"date": date}, opts)
}

func (s *MongoStore) ListResults(ctx context.Context, q model.ResultQuery) ([]model.Result, error) {
	filter := bson.M{}
	if q.Game != "" {
		filter["game"] = string(q.Game)
	}
	if r := dateRange(q.From, q.To); r != nil {
		filter["date"] = r
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}, {Key: "game", Value: 1}}).
		SetLimit(int64(limitOrDefault(q.Limit)))
	return s.findResults(ctx, filter, opts)
}

func (s *MongoStore) findResults(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.Result, error) {
	cursor, err := s.results.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("list results", err)
	}
	defer cursor.Close(ctx)

	var docs []resultDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("list results", err)
	}
	out := make([]model.Result, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].toModel())
	}
	return out, nil
}

type wagerDoc struct {
	ID            string               `bson:"_id"`
	UserID        string               `bson:"userId"`
	Game          string               `bson:"game"`
	Round         string               `bson:"round"`
	Number        string               `bson:"number"`
	Stake         primitive.Decimal128 `bson:"stake"`
	Date          string               `bson:"date"`
	Status        string               `bson:"status"`
	SettledNumber string               `bson:"settledNumber,omitempty"`
	Payout        primitive.Decimal128 `bson:"payout"`
	CreatedAt     time.Time            `bson:"createdAt"`
	SettledAt     *time.Time           `bson:"settledAt,omitempty"`
}

func (d *wagerDoc) toModel() *model.Wager {
	return &model.Wager{
		ID:            d.ID,
		UserID:        d.UserID,
		Game:          draw.Game(d.Game),
		Round:         draw.Round(d.Round),
		Number:        d.Number,
		Stake:         fromDecimal128(d.Stake),
		Date:          d.Date,
		Status:        model.WagerStatus(d.Status),
		SettledNumber: d.SettledNumber,
		Payout:        fromDecimal128(d.Payout),
		CreatedAt:     d.CreatedAt,
		SettledAt:     d.SettledAt,
	}
}

func (s *MongoStore) InsertWager(ctx context.Context, w *model.Wager) error {
	stake, err := toDecimal128(w.Stake)
	if err != nil {
		return wrap("insert wager", err)
	}
	status := w.Status
	if status == "" {
		status = model.StatusActive
	}
	doc := wagerDoc{
		ID:        w.ID,
		UserID:    w.UserID,
		Game:      string(w.Game),
		Round:     string(w.Round),
		Number:    w.Number,
		Stake:     stake,
		Date:      w.Date,
		Status:    string(status),
		Payout:    primitive.NewDecimal128(0, 0),
		CreatedAt: w.CreatedAt,
	}

	return s.withTransaction(ctx, "insert wager", func(sc mongo.SessionContext) error {
		if _, err := s.wagers.InsertOne(sc, doc); err != nil {
			return err
		}
		_, err := s.stats.UpdateOne(sc,
			bson.M{"_id": w.UserID},
			bson.M{"$inc": bson.M{"placed": int64(1), "totalStaked": stake}},
			options.Update().SetUpsert(true))
		return err
	})
}

func (s *MongoStore) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	var doc wagerDoc
	err := s.wagers.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("wager %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get wager", err)
	}
	return doc.toModel(), nil
}

func (s *MongoStore) ListActiveWagers(ctx context.Context, game draw.Game, round draw.Round, date string) ([]model.Wager, error) {
	filter := bson.M{
		"game":   string(game),
		"round":  string(round),
		"date":   date,
		"status": string(model.StatusActive),
	}
	return s.findWagers(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (s *MongoStore) ListUserWagers(ctx context.Context, userID string, q model.WagerQuery) ([]model.Wager, error) {
	filter := bson.M{"userId": userID}
	if q.Status != "" {
		filter["status"] = string(q.Status)
	}
	if q.Game != "" {
		filter["game"] = string(q.Game)
	}
	if r := dateRange(q.From, q.To); r != nil {
		filter["date"] = r
	}
	return s.findWagers(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
}

func (s *MongoStore) findWagers(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]model.Wager, error) {
	cursor, err := s.wagers.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("list wagers", err)
	}
	defer cursor.Close(ctx)

	var docs []wagerDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("list wagers", err)
	}
	out := make([]model.Wager, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].toModel())
	}
	return out, nil
}

func (s *MongoStore) SettleWager(ctx context.Context, id string, st model.Settlement) (bool, error) {
	payout, err := toDecimal128(st.Payout)
	if err != nil {
		return false, wrap("settle wager", err)
	}

	var applied bool
	err = s.withTransaction(ctx, "settle wager", func(sc mongo.SessionContext) error {
		applied = false

		var before wagerDoc
		err := s.wagers.FindOneAndUpdate(sc,
			bson.M{"_id": id, "status": string(model.StatusActive)},
			bson.M{"$set": bson.M{
				"status":        string(st.Status),
				"settledNumber": st.SettledNumber,
				"payout":        payout,
				"settledAt":     st.SettledAt,
			}},
		).Decode(&before)
		if errors.Is(err, mongo.ErrNoDocuments) {
			n, err := s.wagers.CountDocuments(sc, bson.M{"_id": id})
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("wager %s: %w", id, ErrNotFound)
			}
			return nil
		}
		if err != nil {
			return err
		}

		if st.Status == model.StatusWon {
			if _, err := s.stats.UpdateOne(sc,
				bson.M{"_id": before.UserID},
				bson.M{"$inc": bson.M{"won": int64(1), "totalPayout": payout}},
				options.Update().SetUpsert(true)); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

type statsDoc struct {
	UserID      string               `bson:"_id"`
	Placed      int64                `bson:"placed"`
	Won         int64                `bson:"won"`
	TotalStaked primitive.Decimal128 `bson:"totalStaked"`
	TotalPayout primitive.Decimal128 `bson:"totalPayout"`
}

func (s *MongoStore) GetUserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	var doc statsDoc
	err := s.stats.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &model.UserStats{UserID: userID, TotalStaked: decimal.Zero, TotalPayout: decimal.Zero}, nil
	}
	if err != nil {
		return nil, wrap("get user stats", err)
	}
	return &model.UserStats{
		UserID:      userID,
		Placed:      doc.Placed,
		Won:         doc.Won,
		TotalStaked: fromDecimal128(doc.TotalStaked),
		TotalPayout: fromDecimal128(doc.TotalPayout),
	}, nil
}

func (s *MongoStore) withTransaction(ctx context.Context, op string, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return wrap(op, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return wrap(op, err)
}

func dateRange(from, to string) bson.M {
	if from == "" && to == "" {
		return nil
	}
	r := bson.M{}
	if from != "" {
		r["$gte"] = from
	}
	if to != "" {
		r["$lte"] = to
	}
	return r
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func fromDecimal128(d primitive.Decimal128) decimal.Decimal {
	v, err := decimal.NewFromString(d.String())
	if err != nil {
		return decimal.Zero
	}
	return v
}
