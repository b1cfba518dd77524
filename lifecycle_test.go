package xacoord

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestRunUntilStoppedReportsEarlyExit(t *testing.T) {
	boom := errors.New("bind failed")
	never := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	_, err := runUntilStopped(context.Background(),
		func() error { return boom },
		never,
		func(context.Context) error { return nil },
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected start error, got %v", err)
	}
}

func TestHTTPHostLifecycle(t *testing.T) {
	host := newHTTPHost("127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if !host.attach(ln) {
		t.Fatalf("attach refused before shutdown")
	}
	stop, err := runUntilStopped(context.Background(), func() error { return host.serve(ln) }, host.waitReady, func(ctx context.Context) error {
		_, err := host.close(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	resp, err := http.Get("http://" + host.addr().String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Fatalf("unexpected body %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if first, _ := host.close(ctx); first {
		t.Fatalf("second close must be a no-op")
	}
	late, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if host.attach(late) {
		t.Fatalf("attach must refuse after shutdown")
	}
}

func TestLevelledLogger(t *testing.T) {
	if _, err := levelledLogger(pslog.NoopLogger(), "loud"); err == nil || !strings.Contains(err.Error(), "loud") {
		t.Fatalf("expected invalid level error, got %v", err)
	}
	logger, err := levelledLogger(nil, "debug")
	if err != nil || logger == nil {
		t.Fatalf("expected logger, got %v %v", logger, err)
	}
}
