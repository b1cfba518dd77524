package afs

import (
	"context"
	"errors"

	"pkt.systems/xacoord/internal/storage"
)

// Manifest is the durable prepare record of one transaction. Its presence
// means the transaction is prepared and may still be committed.
type Manifest struct {
	TxnID          string         `json:"txn_id"`
	Writes         []ManifestFile `json:"writes,omitempty"`
	Deletes        []string       `json:"deletes,omitempty"`
	PreparedAtUnix int64          `json:"prepared_at_unix"`
}

// ManifestFile names one staged file to publish.
type ManifestFile struct {
	Path      string `json:"path"`
	StagedKey string `json:"staged_key"`
	Size      int64  `json:"size"`
}

func (p *Participant) loadManifest(ctx context.Context, txnID string) (*Manifest, error) {
	var m Manifest
	if _, err := storage.ReadJSON(ctx, p.backend, p.namespace, manifestKey(txnID), &m); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (p *Participant) storeManifest(ctx context.Context, m Manifest) error {
	_, err := storage.WriteJSON(ctx, p.backend, p.namespace, manifestKey(m.TxnID), m, storage.PutObjectOptions{})
	return err
}
