package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/message"
)

func collect(tr Transport) <-chan *message.Envelope {
	got := make(chan *message.Envelope, 16)
	tr.Subscribe(func(env *message.Envelope) { got <- env })
	return got
}

func receive(t *testing.T, ch <-chan *message.Envelope) *message.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestPipeDeliversBothDirections(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	inA, inB := collect(a), collect(b)

	ctx := context.Background()
	if err := a.Send(ctx, message.NewCall("/echo", "1", json.RawMessage(`{"x":1}`))); err != nil {
		t.Fatal(err)
	}
	env := receive(t, inB)
	if env.Kind() != message.KindCall || env.Call.Path != "/echo" || string(env.Call.Arg) != `{"x":1}` {
		t.Fatalf("unexpected call: %+v", env.Call)
	}

	resp := message.NewResult("1", json.RawMessage(`{"x":1}`))
	if err := b.Send(ctx, &message.Envelope{Response: resp}); err != nil {
		t.Fatal(err)
	}
	env = receive(t, inA)
	if env.Kind() != message.KindResponse || env.Response.CallID != "1" || !env.Response.Success {
		t.Fatalf("unexpected response: %+v", env.Response)
	}
}

func TestPipeCopiesOnEveryHop(t *testing.T) {
	a, b := Pipe(WithPipeCodec(&codec.BinaryCodec{}))
	defer a.Close()
	inB := collect(b)

	arg := json.RawMessage(`[1,2,3]`)
	if err := a.Send(context.Background(), message.NewCall("/sum", "7", arg)); err != nil {
		t.Fatal(err)
	}
	arg[1] = '9'

	env := receive(t, inB)
	if string(env.Call.Arg) != `[1,2,3]` {
		t.Fatalf("receiver must not share the sender's memory, got %s", env.Call.Arg)
	}
}

func TestPipeHoldsEnvelopesUntilSubscribe(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	if err := a.Send(context.Background(), &message.Envelope{Start: &message.Start{Object: json.RawMessage(`"hi"`)}}); err != nil {
		t.Fatal(err)
	}
	env := receive(t, collect(b))
	if env.Kind() != message.KindStart || string(env.Start.Object) != `"hi"` {
		t.Fatalf("unexpected start: %+v", env)
	}
}

func TestPipeInvoke(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	if _, err := a.Invoke(context.Background(), &message.Call{Path: "/echo", CallID: "1"}); err == nil {
		t.Fatal("expect error when the remote side accepts no invokes")
	}

	b.HandleInvoke(func(ctx context.Context, call *message.Call) *message.Response {
		return message.NewResult(call.CallID, call.Arg)
	})
	resp, err := a.Invoke(context.Background(), &message.Call{Path: "/echo", CallID: "2", Arg: json.RawMessage(`"ok"`)})
	if err != nil {
		t.Fatal(err)
	}
	if resp.CallID != "2" || string(resp.Result) != `"ok"` {
		t.Fatalf("unexpected ack: %+v", resp)
	}
}

func TestPipeInvokeUnblocksOnClose(t *testing.T) {
	a, b := Pipe()
	release := make(chan struct{})
	defer close(release)
	b.HandleInvoke(func(ctx context.Context, call *message.Call) *message.Response {
		<-release
		return message.NewResult(call.CallID, nil)
	})

	errc := make(chan error, 1)
	go func() {
		_, err := a.Invoke(context.Background(), &message.Call{Path: "/hang", CallID: "1"})
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expect ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Invoke still blocked after close")
	}
}

func TestPipeCloseTearsDownBothEnds(t *testing.T) {
	a, b := Pipe()
	if a.Err() != nil {
		t.Fatal("open pipe should report no error")
	}

	b.Close()
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("closing one end must close the other")
	}
	if !errors.Is(a.Err(), ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", a.Err())
	}
	if err := a.Send(context.Background(), message.NewCall("/x", "", nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close should fail with ErrClosed, got %v", err)
	}
}

func TestPipeRejectsInvalidEnvelope(t *testing.T) {
	a, _ := Pipe()
	defer a.Close()
	if err := a.Send(context.Background(), &message.Envelope{}); err == nil {
		t.Fatal("expect empty envelope to be rejected")
	}
}
