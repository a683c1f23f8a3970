package middleware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"duplex-rpc/message"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, call *message.Call) *message.Response {
	return message.NewResult(call.CallID, json.RawMessage(`"ok"`))
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, call *message.Call) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return message.NewResult(call.CallID, json.RawMessage(`"ok"`))
}

func failingHandler(ctx context.Context, call *message.Call) *message.Response {
	return &message.Response{CallID: call.CallID, Error: "bad input", ErrorKind: message.ErrorKindHandler}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), &message.Call{Path: "/echo", CallID: "1"})
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if string(resp.Result) != `"ok"` {
		t.Fatalf("expect result \"ok\", got '%s'", resp.Result)
	}

	entries := logs.FilterMessage("call served").All()
	if len(entries) != 1 {
		t.Fatalf("expect one log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["path"] != "/echo" {
		t.Fatalf("log entry should carry the path: %v", entries[0].ContextMap())
	}
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(failingHandler)

	handler(context.Background(), &message.Call{Path: "/boom", CallID: "2"})

	entries := logs.FilterMessage("call failed").All()
	if len(entries) != 1 || entries[0].ContextMap()["error"] != "bad input" {
		t.Fatalf("expect a failure entry, got %v", logs.All())
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), &message.Call{Path: "/echo", CallID: "1"})
	if !resp.Success {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), &message.Call{Path: "/slow", CallID: "7"})

	if resp.Success || resp.ErrorKind != message.ErrorKindTimeout {
		t.Fatalf("expect timeout error, got %+v", resp)
	}
	if resp.CallID != "7" {
		t.Fatalf("timeout response must keep the call id, got %q", resp.CallID)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	call := &message.Call{Path: "/echo", CallID: "1"}

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), call)
		if !resp.Success {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Error)
		}
	}

	resp := handler(context.Background(), call)
	if resp.Success || resp.ErrorKind != message.ErrorKindRateLimited {
		t.Fatalf("request 3 should be rate limited, got: %+v", resp)
	}
	if resp.Error != "rate limit exceeded" {
		t.Fatalf("unexpected error text: %q", resp.Error)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.Call) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, call)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	chained := Chain(mark("A"), LoggingMiddleware(nil), TimeOutMiddleware(500*time.Millisecond), mark("B"))
	resp := chained(echoHandler)(context.Background(), &message.Call{Path: "/echo", CallID: "1"})

	if resp == nil || !resp.Success {
		t.Fatalf("expect success, got %+v", resp)
	}
	want := []string{"A.before", "B.before", "B.after", "A.after"}
	if len(order) != len(want) {
		t.Fatalf("expect order %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect order %v, got %v", want, order)
		}
	}
}
