package message

import (
	"encoding/json"

	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

var (
	_ easyjson.Marshaler   = Envelope{}
	_ easyjson.Unmarshaler = (*Envelope)(nil)
)

// MarshalEasyJSON writes the flat wire object for whichever variant is set.
func (e Envelope) MarshalEasyJSON(w *jwriter.Writer) {
	first := true
	field := func(name string) {
		if !first {
			w.RawByte(',')
		}
		first = false
		w.String(name)
		w.RawByte(':')
	}

	w.RawByte('{')
	switch {
	case e.Call != nil:
		field("path")
		w.String(e.Call.Path)
		if e.Call.CallID != "" {
			field("callId")
			w.String(e.Call.CallID)
		}
		if len(e.Call.Arg) > 0 {
			field("arg")
			w.Raw(e.Call.Arg, nil)
		}
	case e.Response != nil:
		r := e.Response
		field("callId")
		w.String(r.CallID)
		field("success")
		w.Bool(r.Success)
		if r.Success {
			if len(r.Result) > 0 {
				field("result")
				w.Raw(r.Result, nil)
			}
		} else {
			field("error")
			w.String(r.Error)
			if r.ErrorKind != "" {
				field("kind")
				w.String(string(r.ErrorKind))
			}
		}
	case e.Start != nil:
		field("start")
		if len(e.Start.Object) > 0 {
			w.Raw(e.Start.Object, nil)
		} else {
			w.RawString("null")
		}
	}
	w.RawByte('}')
}

// MarshalJSON supports json.Marshaler
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	e.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// UnmarshalEasyJSON decodes the flat wire object and classifies it into one variant.
func (e *Envelope) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		in.AddError(errNullEnvelope)
		return
	}

	var (
		path, callID, errText, kind string
		arg, result, start          json.RawMessage
		success                     bool
		hasSuccess, hasStart        bool
	)

	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if key == "start" {
			hasStart = true
		}
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "path":
			path = in.String()
		case "callId":
			callID = in.String()
		case "arg":
			arg = copyRaw(in.Raw())
		case "success":
			success = in.Bool()
			hasSuccess = true
		case "result":
			result = copyRaw(in.Raw())
		case "error":
			errText = in.String()
		case "kind":
			kind = in.String()
		case "start":
			start = copyRaw(in.Raw())
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
	if !in.Ok() {
		return
	}

	*e = Envelope{}
	switch {
	case hasSuccess:
		if callID == "" {
			in.AddError(errMissingCallID)
			return
		}
		e.Response = &Response{CallID: callID, Success: success}
		if success {
			e.Response.Result = result
		} else {
			e.Response.Error = errText
			e.Response.ErrorKind = ErrorKind(kind)
		}
	case hasStart:
		e.Start = &Start{Object: start}
	case path != "":
		e.Call = &Call{Path: path, CallID: callID, Arg: arg}
	case callID != "":
		in.AddError(errEmptyPath)
	default:
		in.AddError(errUnknownVariant)
	}
}

// UnmarshalJSON supports json.Unmarshaler
func (e *Envelope) UnmarshalJSON(data []byte) error {
	r := jlexer.Lexer{Data: data}
	e.UnmarshalEasyJSON(&r)
	return r.Error()
}

func copyRaw(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
