package xacoord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/dbtx"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/remote"
)

type participantSet struct {
	participants []participant.Participant
	timeouts     map[string]time.Duration
	closers      []func(context.Context) error
}

func (s *participantSet) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// buildParticipants binds the database and remote file store participants
// the configuration enables, in protocol order.
func buildParticipants(cfg Config, httpClient *http.Client, logger pslog.Logger) (*participantSet, error) {
	set := &participantSet{timeouts: make(map[string]time.Duration)}
	creds := participant.Credentials{
		CoordinatorKey:        cfg.CoordinatorKey,
		InteractiveSessionKey: cfg.InteractiveSessionKey,
	}
	if cfg.PostgresDSN != "" {
		db, err := dbtx.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		adapter, err := dbtx.NewAdapter(dbtx.AdapterConfig{DB: db, GIDPrefix: cfg.PostgresGIDPrefix, Logger: logger})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		p, err := dbtx.NewParticipant(dbtx.Config{
			ID:          DefaultPostgresParticipant,
			Adapter:     adapter,
			Credentials: creds,
			Logger:      logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		set.participants = append(set.participants, p)
		set.closers = append(set.closers, func(ctx context.Context) error {
			return errors.Join(adapter.Close(ctx), db.Close())
		})
	}
	if cfg.AFSEndpoint != "" {
		p, err := remote.New(remote.Config{
			ID:          DefaultAFSParticipant,
			Endpoint:    cfg.AFSEndpoint,
			Timeout:     cfg.AFSTimeout,
			MaxAttempts: cfg.RecoveryAttempts,
			BaseDelay:   cfg.RecoveryBaseDelay,
			MaxDelay:    cfg.RecoveryMaxDelay,
			HTTPClient:  httpClient,
			Logger:      logger,
		})
		if err != nil {
			_ = set.close(context.Background())
			return nil, err
		}
		set.participants = append(set.participants, p)
		set.timeouts[DefaultAFSParticipant] = cfg.AFSTimeout
	}
	if len(set.participants) == 0 {
		return nil, fmt.Errorf("config: at least one participant is required (postgres-dsn or afs-endpoint)")
	}
	return set, nil
}
