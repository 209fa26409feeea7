package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nostr-archive/archiver/src/utils/model"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReclaimKind string

const (
	// Events with no sighting left
	ReclaimEvents ReclaimKind = "events"

	// Metadata payloads with no observation pointing at them
	ReclaimPayloads ReclaimKind = "payloads"
)

// Key of the advisory lock serializing reclaim against inserts
const reclaimLockKey = 0x6172636869766572

// Snapshot is the input of InsertMetadataSnapshot
type Snapshot struct {
	RelayId       int64
	Document      model.Document
	SupportedNips []int64
	Kind          model.ObservationKind
	GeneratedAt   time.Time

	RttOpenMs  *int64
	RttReadMs  *int64
	RttWriteMs *int64
}

// InsertEvents persists a batch of observed events in one transaction:
// missing events are inserted (first writer wins), missing sightings are
// inserted, relay last_seen and per-relay checkpoints advance. Because a
// failed transaction changes nothing, the whole batch can be retried
// verbatim and events already stored are simply skipped.
func (self *Gateway) InsertEvents(ctx context.Context, items []*model.SeenEvent) (err error) {
	if len(items) == 0 {
		return nil
	}

	// The same event may arrive from several relays within one batch and
	// ON CONFLICT cannot touch a row twice in one statement
	events := make([]*model.Event, 0, len(items))
	seenEvents := make(map[string]struct{}, len(items))

	sightings := make([]*model.Sighting, 0, len(items))
	seenSightings := make(map[string]struct{}, len(items))

	lastSeen := make(map[int64]time.Time)
	cursors := make(map[int64]int64)

	for _, item := range items {
		if _, ok := seenEvents[item.Event.Id]; !ok {
			seenEvents[item.Event.Id] = struct{}{}
			events = append(events, item.Event)
		}

		sightingKey := item.Event.Id + "/" + fmt.Sprint(item.RelayId)
		if _, ok := seenSightings[sightingKey]; !ok {
			seenSightings[sightingKey] = struct{}{}
			sightings = append(sightings, &model.Sighting{
				EventId: item.Event.Id,
				RelayId: item.RelayId,
				SeenAt:  item.SeenAt,
			})
		}

		if item.SeenAt.After(lastSeen[item.RelayId]) {
			lastSeen[item.RelayId] = item.SeenAt
		}
		if item.Event.CreatedAt > cursors[item.RelayId] {
			cursors[item.RelayId] = item.Event.CreatedAt
		}
	}

	return self.Execute(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) (err error) {
			err = tx.
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(&events).
				Error
			if err != nil {
				return
			}

			err = tx.
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(&sightings).
				Error
			if err != nil {
				return
			}

			for relayId, seenAt := range lastSeen {
				err = tx.
					Model(&model.Relay{}).
					Where("id = ? AND last_seen < ?", relayId, seenAt).
					Update("last_seen", seenAt).
					Error
				if err != nil {
					return
				}
			}

			// Checkpoints move in the same transaction as the data they
			// cover, so a cursor is never ahead of what's durable
			now := time.Now()
			for relayId, cursor := range cursors {
				checkpoint := model.Checkpoint{RelayId: relayId, Cursor: cursor, UpdatedAt: now}
				err = tx.
					Clauses(clause.OnConflict{
						Columns: []clause.Column{{Name: "relay_id"}},
						DoUpdates: clause.Assignments(map[string]interface{}{
							"cursor":     gorm.Expr("CASE WHEN excluded.cursor > checkpoints.cursor THEN excluded.cursor ELSE checkpoints.cursor END"),
							"updated_at": now,
						}),
					}).
					Create(&checkpoint).
					Error
				if err != nil {
					return
				}
			}

			return nil
		})
	})
}

// InsertRelay inserts the relay or, when the url is already known,
// advances its last_seen. first_seen belongs to whoever got there first.
func (self *Gateway) InsertRelay(ctx context.Context, url string, network model.Network, firstSeen time.Time) (out *model.Relay, err error) {
	relay := model.Relay{
		Url:       url,
		Network:   network,
		FirstSeen: firstSeen,
		LastSeen:  firstSeen,
	}

	err = self.Execute(ctx, func(db *gorm.DB) (err error) {
		err = db.
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "url"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"last_seen": gorm.Expr("CASE WHEN excluded.last_seen > relays.last_seen THEN excluded.last_seen ELSE relays.last_seen END"),
				}),
			}).
			Create(&relay).
			Error
		if err != nil {
			return
		}

		out = new(model.Relay)
		return db.Where("url = ?", url).First(out).Error
	})
	return
}

// TouchRelay advances last_seen after a successful contact
func (self *Gateway) TouchRelay(ctx context.Context, relayId int64, at time.Time) (err error) {
	return self.Execute(ctx, func(db *gorm.DB) error {
		return db.
			Model(&model.Relay{}).
			Where("id = ? AND last_seen < ?", relayId, at).
			Update("last_seen", at).
			Error
	})
}

// InsertMetadataSnapshot stores one capability/probe observation. The
// payload is content-hashed, identical payloads across relays and time
// share a single row referenced by lightweight pointer rows.
func (self *Gateway) InsertMetadataSnapshot(ctx context.Context, snapshot *Snapshot) (err error) {
	hash := hashPayload(snapshot.Document, snapshot.SupportedNips)

	payload := model.MetadataPayload{
		Hash:          hash,
		Document:      snapshot.Document,
		SupportedNips: pq.Int64Array(snapshot.SupportedNips),
	}

	observation := model.MetadataObservation{
		RelayId:     snapshot.RelayId,
		PayloadHash: hash,
		Kind:        snapshot.Kind,
		GeneratedAt: snapshot.GeneratedAt,
		RttOpenMs:   snapshot.RttOpenMs,
		RttReadMs:   snapshot.RttReadMs,
		RttWriteMs:  snapshot.RttWriteMs,
	}

	return self.Execute(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) (err error) {
			// Payload goes in before the row referencing it, so reclaim
			// never sees a pointer to a missing payload
			err = tx.
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(&payload).
				Error
			if err != nil {
				return
			}

			return tx.Create(&observation).Error
		})
	})
}

func hashPayload(document model.Document, nips []int64) string {
	h := sha256.New()
	h.Write(document)
	h.Write([]byte{0})
	for _, nip := range nips {
		fmt.Fprintf(h, "%d,", nip)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReclaimOrphans deletes rows nothing references anymore: events without
// sightings or metadata payloads without observations. It takes an
// advisory lock so it never races a concurrent insert of the same kind.
// Runs as an explicit maintenance operation, never inline with writes.
func (self *Gateway) ReclaimOrphans(ctx context.Context, kind ReclaimKind) (deleted int64, err error) {
	err = self.Execute(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) (err error) {
			if tx.Dialector.Name() == "postgres" {
				err = tx.Exec("SELECT pg_advisory_xact_lock(?)", reclaimLockKey).Error
				if err != nil {
					return
				}
			}

			var result *gorm.DB
			switch kind {
			case ReclaimEvents:
				result = tx.Exec(
					"DELETE FROM " + model.TableEvents +
						" WHERE NOT EXISTS (SELECT 1 FROM " + model.TableSightings +
						" WHERE " + model.TableSightings + ".event_id = " + model.TableEvents + ".id)")
			case ReclaimPayloads:
				result = tx.Exec(
					"DELETE FROM " + model.TableMetadataPayloads +
						" WHERE NOT EXISTS (SELECT 1 FROM " + model.TableMetadataObservations +
						" WHERE " + model.TableMetadataObservations + ".payload_hash = " + model.TableMetadataPayloads + ".hash)")
			default:
				return errors.New("unknown reclaim kind: " + string(kind))
			}

			if result.Error != nil {
				return result.Error
			}
			deleted = result.RowsAffected
			return nil
		})
	})
	return
}

// GetCheckpoint returns the relay's durable cursor, ok is false when the
// relay was never synced
func (self *Gateway) GetCheckpoint(ctx context.Context, relayId int64) (cursor int64, ok bool, err error) {
	err = self.Execute(ctx, func(db *gorm.DB) (err error) {
		var checkpoint model.Checkpoint
		err = db.First(&checkpoint, "relay_id = ?", relayId).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return
		}
		cursor = checkpoint.Cursor
		ok = true
		return
	})
	return
}

// ListRelays returns the whole relay catalog
func (self *Gateway) ListRelays(ctx context.Context) (relays []*model.Relay, err error) {
	err = self.Execute(ctx, func(db *gorm.DB) error {
		return db.Order("url").Find(&relays).Error
	})
	return
}

// GetRelayByUrl is a helper for tests and tooling
func (self *Gateway) GetRelayByUrl(ctx context.Context, url string) (relay *model.Relay, err error) {
	err = self.Execute(ctx, func(db *gorm.DB) error {
		relay = new(model.Relay)
		return db.Where("url = ?", strings.TrimSpace(url)).First(relay).Error
	})
	return
}
