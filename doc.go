// Package xacoord exposes the Go APIs behind a two-phase commit transaction
// coordinator. A coordinator drives a PostgreSQL database (through prepared
// transactions) and a remote file store in one atomic unit of work, logs every
// COMMIT decision durably and finishes in-doubt transactions after a crash.
//
// # Running a coordinator
//
// At least one participant must be configured. The coordinator key is shared
// with every participant; the interactive session key is handed to clients.
//
//	cfg := xacoord.Config{
//	    Store:                 "disk:///var/lib/xacoord",
//	    Listen:                ":9460",
//	    CoordinatorKey:        os.Getenv("XACOORD_COORDINATOR_KEY"),
//	    InteractiveSessionKey: os.Getenv("XACOORD_INTERACTIVE_SESSION_KEY"),
//	    PostgresDSN:           "postgres://app@db/app?sslmode=disable",
//	    AFSEndpoint:           "http://afs:9461",
//	}
//	srv, stop, err := xacoord.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// The listener opens before recovery finishes. /readyz reports 503 until
// every logged decision has been replayed and every prepared transaction
// without a decision has been rolled back; the reaper starts afterwards.
//
// The store URL decides where the transaction log lives: mem://, disk://,
// s3://host/bucket/prefix (MinIO and other S3-compatible services),
// aws://bucket/prefix and azure://account/container/prefix.
//
// # Running the file store
//
// The remote file store participant is its own server:
//
//	afsCfg := xacoord.AFSConfig{
//	    Store:                 "s3://minio:9000/files",
//	    Listen:                ":9461",
//	    CoordinatorKey:        cfg.CoordinatorKey,
//	    InteractiveSessionKey: cfg.InteractiveSessionKey,
//	}
//	afs, stopAFS, err := xacoord.StartAFSServer(ctx, afsCfg)
//
// Files written inside a transaction stay staged until the commit decision
// publishes them.
//
// # Client SDK
//
// The Go client (`pkt.systems/xacoord/client`) wraps the HTTP API:
//
//	cli, err := client.New("http://coordinator:9460",
//	    client.WithInteractiveSessionKey(sessionKey))
//	txn, err := cli.Start(ctx)
//	_, err = txn.Execute(ctx, "db", "exec", map[string]any{
//	    "sql": "INSERT INTO orders(id) VALUES ($1)", "args": []any{42},
//	})
//	_, err = txn.Execute(ctx, "afs", "write", map[string]any{
//	    "path": "orders/42.json", "data": body,
//	})
//	res, err := txn.Commit(ctx)
//
// Commit returns once the decision is logged. When a participant could not be
// reached the response carries its failure and the reaper keeps retrying.
//
// # Testing
//
// StartTestStack runs a coordinator and a file store on loopback listeners
// with in-memory storage:
//
//	ts := xacoord.StartTestStack(t)
//	txn, _ := ts.Client.Start(ctx)
package xacoord
