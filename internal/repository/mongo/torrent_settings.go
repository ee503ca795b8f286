package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentgate/internal/domain"
)

const torrentSettingsID = "torrent"

type torrentSettingsDoc struct {
	ID                string `bson:"_id"`
	SaveDir           string `bson:"saveDir"`
	ConnectionsLimit  int    `bson:"connectionsLimit"`
	DownloadRateLimit int64  `bson:"downloadRateLimit"`
	UploadRateLimit   int64  `bson:"uploadRateLimit"`
	AutoCleanup       bool   `bson:"autoCleanup"`
	UpdatedAt         int64  `bson:"updatedAt"`
}

// TorrentSettingsRepository persists the single torrent settings document.
type TorrentSettingsRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

func NewTorrentSettingsRepository(client *mongo.Client, dbName string) *TorrentSettingsRepository {
	return &TorrentSettingsRepository{
		collection: client.Database(dbName).Collection(settingsCollection),
		now:        time.Now,
	}
}

func (r *TorrentSettingsRepository) GetTorrentSettings(ctx context.Context) (domain.TorrentSettings, bool, error) {
	var doc torrentSettingsDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": torrentSettingsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.TorrentSettings{}, false, nil
		}
		return domain.TorrentSettings{}, false, err
	}
	return fromSettingsDoc(doc), true, nil
}

func (r *TorrentSettingsRepository) SetTorrentSettings(ctx context.Context, settings domain.TorrentSettings) error {
	doc := toSettingsDoc(settings, r.now())
	update := bson.M{
		"$set": bson.M{
			"saveDir":           doc.SaveDir,
			"connectionsLimit":  doc.ConnectionsLimit,
			"downloadRateLimit": doc.DownloadRateLimit,
			"uploadRateLimit":   doc.UploadRateLimit,
			"autoCleanup":       doc.AutoCleanup,
			"updatedAt":         doc.UpdatedAt,
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": torrentSettingsID},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func toSettingsDoc(s domain.TorrentSettings, now time.Time) torrentSettingsDoc {
	return torrentSettingsDoc{
		ID:                torrentSettingsID,
		SaveDir:           s.SaveDir,
		ConnectionsLimit:  s.ConnectionsLimit,
		DownloadRateLimit: s.DownloadRateLimit,
		UploadRateLimit:   s.UploadRateLimit,
		AutoCleanup:       s.AutoCleanup,
		UpdatedAt:         now.Unix(),
	}
}

func fromSettingsDoc(doc torrentSettingsDoc) domain.TorrentSettings {
	return domain.TorrentSettings{
		SaveDir:           doc.SaveDir,
		ConnectionsLimit:  doc.ConnectionsLimit,
		DownloadRateLimit: doc.DownloadRateLimit,
		UploadRateLimit:   doc.UploadRateLimit,
		AutoCleanup:       doc.AutoCleanup,
	}
}
