package main

import (
	"testing"
)

func TestCallArgs(t *testing.T) {
	path, arg, err := callArgs([]string{"/echo", `{"x":1}`})
	if err != nil || path != "/echo" || string(arg) != `{"x":1}` {
		t.Fatalf("got %s %s %v", path, arg, err)
	}

	path, arg, err = callArgs([]string{"/ping"})
	if err != nil || path != "/ping" || arg != nil {
		t.Fatalf("got %s %s %v", path, arg, err)
	}

	if _, _, err := callArgs([]string{"/echo", "{nope"}); err == nil {
		t.Fatal("expect invalid JSON to be rejected")
	}
	if _, _, err := callArgs(nil); err == nil {
		t.Fatal("expect usage error without a path")
	}
}

func TestCalc(t *testing.T) {
	var c Calc
	var got float64
	if err := c.Add(&Operands{A: 1.5, B: 2}, &got); err != nil || got != 3.5 {
		t.Fatalf("Add: %v %v", got, err)
	}
	if err := c.Divide(&Operands{A: 1, B: 0}, &got); err == nil {
		t.Fatal("expect divide by zero")
	}
}
