package middleware

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/xtreemfs/xtreemfs-sub001/event"
	"github.com/xtreemfs/xtreemfs-sub001/internal/testsvc"
	"github.com/xtreemfs/xtreemfs-sub001/logging"
)

func echoHandler(ctx context.Context, req event.Request) (event.Response, error) {
	return &testsvc.EchoResponse{Payload: req.(*testsvc.EchoRequest).Payload}, nil
}

func slowHandler(ctx context.Context, req event.Request) (event.Response, error) {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func newRequest() event.Request {
	return testsvc.NewEchoRequest([]byte("ok"), 0)
}

func payload(t *testing.T, resp event.Response) string {
	t.Helper()
	echo, ok := resp.(*testsvc.EchoResponse)
	if !ok {
		t.Fatalf("expect *EchoResponse, got %T", resp)
	}
	return string(echo.Payload)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	handler := Logging(logging.New(&buf, logiface.LevelDebug))(echoHandler)

	resp, err := handler(context.Background(), newRequest())
	if err != nil {
		t.Fatal(err)
	}
	if payload(t, resp) != "ok" {
		t.Fatalf("expect payload 'ok', got '%s'", payload(t, resp))
	}
	if !bytes.Contains(buf.Bytes(), []byte("request served")) {
		t.Fatalf("missing log entry: %s", buf.String())
	}
}

func TestLoggingFailure(t *testing.T) {
	var buf bytes.Buffer
	failing := func(context.Context, event.Request) (event.Response, error) {
		return nil, testsvc.NewNotFound("/x")
	}
	_, err := Logging(logging.New(&buf, logiface.LevelInformational))(failing)(context.Background(), newRequest())
	if err == nil {
		t.Fatal("expect error")
	}
	if !bytes.Contains(buf.Bytes(), []byte("request failed")) {
		t.Fatalf("missing log entry: %s", buf.String())
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	_, err := handler(context.Background(), newRequest())
	if err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	start := time.Now()
	_, err := handler(context.Background(), newRequest())
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expect timeout error, got '%v'", err)
	}
	if time.Since(start) >= 200*time.Millisecond {
		t.Fatal("timeout did not cut the wait short")
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is refused
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), newRequest()); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}

	if _, err := handler(context.Background(), newRequest()); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: '%v'", err)
	}
}

type tempErr struct{}

func (tempErr) Error() string   { return "store busy" }
func (tempErr) Temporary() bool { return true }

func TestRetry(t *testing.T) {
	calls := 0
	flaky := func(ctx context.Context, req event.Request) (event.Response, error) {
		calls++
		if calls < 3 {
			return nil, tempErr{}
		}
		return echoHandler(ctx, req)
	}
	resp, err := Retry(3, time.Millisecond, nil)(flaky)(context.Background(), newRequest())
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 || payload(t, resp) != "ok" {
		t.Fatalf("calls=%d", calls)
	}
}

func TestRetryPermanentError(t *testing.T) {
	calls := 0
	failing := func(context.Context, event.Request) (event.Response, error) {
		calls++
		return nil, testsvc.NewNotFound("/x")
	}
	_, err := Retry(3, time.Millisecond, nil)(failing)(context.Background(), newRequest())
	if err == nil || calls != 1 {
		t.Fatalf("expect one call and an error, got %d calls, err %v", calls, err)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req event.Request) (event.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	handler := Chain(mark("a"), Logging(nil), mark("b"), Timeout(500*time.Millisecond))(echoHandler)

	resp, err := handler(context.Background(), newRequest())
	if err != nil {
		t.Fatalf("expect no error, got '%v'", err)
	}
	if payload(t, resp) != "ok" {
		t.Fatal("wrong payload")
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("unexpected order %v", order)
	}
}
