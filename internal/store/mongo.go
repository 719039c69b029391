package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"avl-ingest/internal/codec"
	"avl-ingest/internal/model"
)

const opTimeout = 5 * time.Second

// Mongo stores devices and positions in MongoDB. Persist runs each record in
// a multi-document transaction, which needs a replica set or sharded cluster.
type Mongo struct {
	client       *mongo.Client
	devices      *mongo.Collection
	positions    *mongo.Collection
	defaultModel string
}

// ConnectMongo dials uri, pings it and ensures the collection indexes.
func ConnectMongo(ctx context.Context, uri, database, defaultModel string) (*Mongo, error) {
	if uri == "" {
		return nil, fmt.Errorf("MongoDB URI not provided")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(database)
	m := &Mongo{
		client:       client,
		devices:      db.Collection("devices"),
		positions:    db.Collection("device_positions"),
		defaultModel: defaultModel,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.devices.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "imei", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("devices index: %w", err)
	}
	_, err = m.positions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "recorded_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("positions index: %w", err)
	}
	return nil
}

func (m *Mongo) GetOrCreate(ctx context.Context, imei string) (*model.Device, error) {
	if imei == "" {
		return nil, fmt.Errorf("empty imei")
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fresh := model.NewDevice(imei, m.defaultModel)
	update := bson.M{"$setOnInsert": bson.M{
		"_id":        fresh.ID,
		"name":       fresh.Name,
		"model":      fresh.Model,
		"created_at": fresh.CreatedAt,
		"updated_at": fresh.UpdatedAt,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc deviceDoc
	err := m.devices.FindOneAndUpdate(ctx, bson.M{"imei": imei}, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// lost the upsert race to another session; the row exists now
		err = m.devices.FindOne(ctx, bson.M{"imei": imei}).Decode(&doc)
	}
	if err != nil {
		return nil, fmt.Errorf("get or create device %s: %w", imei, err)
	}
	return doc.toModel(), nil
}

func (m *Mongo) Persist(ctx context.Context, dev *model.Device, rec codec.Record) (*model.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pos := model.NewPosition(dev.ID, rec)
	seen := time.Now().UTC()
	next := dev.Clone()
	next.ApplySnapshot(pos, seen)

	sess, err := m.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := m.positions.InsertOne(sc, positionDocFrom(pos)); err != nil {
			return nil, err
		}
		res, err := m.devices.UpdateOne(sc, bson.M{"_id": dev.ID}, bson.M{"$set": snapshotDoc(next)})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, fmt.Errorf("device %s: %w", dev.IMEI, ErrNotFound)
		}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist position: %w", err)
	}

	*dev = *next
	return pos, nil
}

func (m *Mongo) FindByIMEI(ctx context.Context, imei string) (*model.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc deviceDoc
	err := m.devices.FindOne(ctx, bson.M{"imei": imei}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

func (m *Mongo) PositionsByDevice(ctx context.Context, deviceID string) ([]*model.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := m.positions.Find(ctx, bson.M{"device_id": deviceID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []positionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*model.Position, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type ioDoc struct {
	Total  int                      `bson:"total"`
	Values map[string]bson.RawValue `bson:"values"`
}

type rawIODoc struct {
	Length int    `bson:"length"`
	Hex    string `bson:"hex"`
}

type deviceDoc struct {
	ID             string    `bson:"_id"`
	IMEI           string    `bson:"imei"`
	Name           string    `bson:"name"`
	Model          string    `bson:"model"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
	LastSeenAt     time.Time `bson:"last_seen_at,omitempty"`
	LastFixAt      time.Time `bson:"last_fix_at,omitempty"`
	LastLatitude   float64   `bson:"last_latitude"`
	LastLongitude  float64   `bson:"last_longitude"`
	LastSpeed      int       `bson:"last_speed"`
	LastAngle      int       `bson:"last_angle"`
	LastSatellites int       `bson:"last_satellites"`
	LastPayload    *ioDoc    `bson:"last_payload,omitempty"`
}

func (d deviceDoc) toModel() *model.Device {
	dev := &model.Device{
		ID:             d.ID,
		IMEI:           d.IMEI,
		Name:           d.Name,
		Model:          d.Model,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		LastSeenAt:     d.LastSeenAt,
		LastFixAt:      d.LastFixAt,
		LastLatitude:   d.LastLatitude,
		LastLongitude:  d.LastLongitude,
		LastSpeed:      d.LastSpeed,
		LastAngle:      d.LastAngle,
		LastSatellites: d.LastSatellites,
	}
	if d.LastPayload != nil {
		io := ioFromDoc(*d.LastPayload)
		dev.LastPayload = &io
	}
	return dev
}

func snapshotDoc(d *model.Device) bson.M {
	set := bson.M{
		"updated_at":      d.UpdatedAt,
		"last_seen_at":    d.LastSeenAt,
		"last_fix_at":     d.LastFixAt,
		"last_latitude":   d.LastLatitude,
		"last_longitude":  d.LastLongitude,
		"last_speed":      d.LastSpeed,
		"last_angle":      d.LastAngle,
		"last_satellites": d.LastSatellites,
	}
	if d.LastPayload != nil {
		set["last_payload"] = ioToDoc(*d.LastPayload)
	}
	return set
}

type positionDoc struct {
	ID         string    `bson:"_id"`
	DeviceID   string    `bson:"device_id"`
	RecordedAt time.Time `bson:"recorded_at"`
	Latitude   float64   `bson:"latitude"`
	Longitude  float64   `bson:"longitude"`
	Altitude   int       `bson:"altitude"`
	Speed      int       `bson:"speed"`
	Angle      int       `bson:"angle"`
	Satellites int       `bson:"satellites"`
	Priority   int       `bson:"priority"`
	EventID    int       `bson:"event_id"`
	IO         bson.M    `bson:"io,omitempty"`
	RawPayload string    `bson:"raw_payload"`
	CreatedAt  time.Time `bson:"created_at"`
}

func positionDocFrom(p *model.Position) positionDoc {
	return positionDoc{
		ID:         p.ID,
		DeviceID:   p.DeviceID,
		RecordedAt: p.RecordedAt,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Altitude:   p.Altitude,
		Speed:      p.Speed,
		Angle:      p.Angle,
		Satellites: p.Satellites,
		Priority:   p.Priority,
		EventID:    p.EventID,
		IO:         ioToDoc(p.IO),
		RawPayload: p.RawPayload,
		CreatedAt:  p.CreatedAt,
	}
}

func (d positionDoc) toModel() *model.Position {
	return &model.Position{
		ID:         d.ID,
		DeviceID:   d.DeviceID,
		RecordedAt: d.RecordedAt,
		Latitude:   d.Latitude,
		Longitude:  d.Longitude,
		Altitude:   d.Altitude,
		Speed:      d.Speed,
		Angle:      d.Angle,
		Satellites: d.Satellites,
		Priority:   d.Priority,
		EventID:    d.EventID,
		IO:         ioFromM(d.IO),
		RawPayload: d.RawPayload,
		CreatedAt:  d.CreatedAt,
	}
}

// ioToDoc keeps the stored shape {total, values{id: number | {length, hex}}}.
// BSON has no unsigned 64-bit type, so values above MaxInt64 are stored as
// decimal strings.
func ioToDoc(io codec.IOElements) bson.M {
	values := bson.M{}
	for id, v := range io.Values {
		key := strconv.Itoa(int(id))
		switch {
		case v.Kind == codec.IORaw:
			values[key] = bson.M{"length": v.Length, "hex": v.Hex()}
		case v.Val > math.MaxInt64:
			values[key] = strconv.FormatUint(v.Val, 10)
		default:
			values[key] = int64(v.Val)
		}
	}
	return bson.M{"total": io.Total, "values": values}
}

func ioFromM(m bson.M) codec.IOElements {
	if m == nil {
		return codec.IOElements{Values: map[uint8]codec.IOValue{}}
	}
	raw, err := bson.Marshal(m)
	if err != nil {
		return codec.IOElements{Values: map[uint8]codec.IOValue{}}
	}
	var d ioDoc
	if err := bson.Unmarshal(raw, &d); err != nil {
		return codec.IOElements{Values: map[uint8]codec.IOValue{}}
	}
	return ioFromDoc(d)
}

func ioFromDoc(d ioDoc) codec.IOElements {
	out := codec.IOElements{Total: d.Total, Values: make(map[uint8]codec.IOValue, len(d.Values))}
	for key, rv := range d.Values {
		id, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			continue
		}
		switch rv.Type {
		case bson.TypeEmbeddedDocument:
			var r rawIODoc
			if err := rv.Unmarshal(&r); err != nil {
				continue
			}
			v, err := rawFromHex(r)
			if err != nil {
				continue
			}
			out.Values[uint8(id)] = v
		case bson.TypeInt64:
			out.Values[uint8(id)] = codec.Numeric(uint64(rv.Int64()))
		case bson.TypeInt32:
			out.Values[uint8(id)] = codec.Numeric(uint64(rv.Int32()))
		case bson.TypeString:
			n, err := strconv.ParseUint(rv.StringValue(), 10, 64)
			if err != nil {
				continue
			}
			out.Values[uint8(id)] = codec.Numeric(n)
		}
	}
	return out
}

func rawFromHex(r rawIODoc) (codec.IOValue, error) {
	b, err := hex.DecodeString(r.Hex)
	if err != nil {
		return codec.IOValue{}, err
	}
	v := codec.Raw(b)
	v.Length = r.Length
	return v, nil
}
