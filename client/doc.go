// Package client provides the Go SDK for the xacoord transaction coordinator.
//
// A transaction is begun, fed business operations for its participants and
// then committed or rolled back:
//
//	cli, err := client.New("http://127.0.0.1:9460", client.WithInteractiveSessionKey(key))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	txn, err := cli.Start(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := txn.Execute(ctx, "db", "exec", map[string]any{"sql": "INSERT INTO docs(name) VALUES ($1)", "args": []any{"report"}}); err != nil {
//	    _, _ = txn.Rollback(ctx)
//	    log.Fatal(err)
//	}
//	res, err := txn.Commit(ctx)
//
// A commit that returns without error is durable. Participants listed in
// the response's Failures apply the outcome later; the coordinator retries
// them in the background.
//
// Every non-2xx response surfaces as *APIError carrying the server's error
// code, phase and participant.
package client
