package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duplex-rpc/codec"
	"duplex-rpc/logging"
	"duplex-rpc/message"
	"duplex-rpc/protocol"
)

// Stream carries framed envelopes over a single byte stream in both directions.
//
// Once subscribed it runs two background goroutines:
//   - recvLoop: reads frames one after another and hands each decoded envelope to the subscriber
//   - heartbeatLoop: sends periodic heartbeat frames so a dead peer is noticed
//
// Reads are sequential by nature (frame boundaries), writes are serialised by writeMu so frames
// from concurrent senders never interleave.
type Stream struct {
	rwc       io.ReadWriteCloser
	codec     codec.Codec
	heartbeat time.Duration
	maxBody   uint32
	logger    *zap.Logger

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	subscribeOnce sync.Once
	finishOnce    sync.Once
	done          chan struct{}
	err           error
}

type StreamOption func(*Stream)

// WithCodec selects the codec for outgoing frames. Incoming frames name their own codec.
func WithCodec(t codec.CodecType) StreamOption {
	return func(s *Stream) { s.codec = codec.GetCodec(t) }
}

// WithHeartbeat sets the heartbeat interval; zero disables heartbeats.
func WithHeartbeat(d time.Duration) StreamOption {
	return func(s *Stream) { s.heartbeat = d }
}

// WithMaxBody caps the body of outgoing frames; larger envelopes fail to send with
// ErrFrameTooLarge and the stream stays up. It cannot exceed protocol.MaxBodyLen.
func WithMaxBody(n uint32) StreamOption {
	return func(s *Stream) { s.maxBody = min(n, protocol.MaxBodyLen) }
}

func WithLogger(l *zap.Logger) StreamOption {
	return func(s *Stream) { s.logger = logging.OrNop(l) }
}

// NewStream wraps rwc. Nothing is read until Subscribe is called.
func NewStream(rwc io.ReadWriteCloser, opts ...StreamOption) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		rwc:       rwc,
		codec:     &codec.JSONCodec{},
		heartbeat: 30 * time.Second,
		maxBody:   protocol.MaxBodyLen,
		logger:    zap.NewNop(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to a listening peer.
func Dial(ctx context.Context, network, addr string, opts ...StreamOption) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewStream(conn, opts...), nil
}

func (s *Stream) Send(ctx context.Context, env *message.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	msgType, err := protocol.MsgTypeFor(env.Kind())
	if err != nil {
		return err
	}
	body, err := s.codec.Encode(env)
	if err != nil {
		return err
	}
	if uint64(len(body)) > uint64(s.maxBody) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if conn, ok := s.rwc.(net.Conn); ok {
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetWriteDeadline(deadline); err != nil {
				return fmt.Errorf("transport: set write deadline: %w", err)
			}
			defer func() {
				if err := conn.SetWriteDeadline(time.Time{}); err != nil {
					s.logger.Debug("clearing write deadline", zap.Error(err))
				}
			}()
		}
	}

	header := protocol.Header{
		CodecType: byte(s.codec.Type()),
		MsgType:   msgType,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(s.rwc, &header, body); err != nil {
		s.finish(err)
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (s *Stream) Subscribe(fn InboundFunc) {
	s.subscribeOnce.Do(func() {
		g, ctx := errgroup.WithContext(s.ctx)
		g.Go(func() error { return s.recvLoop(fn) })
		if s.heartbeat > 0 {
			g.Go(func() error { return s.heartbeatLoop(ctx) })
		}
		go func() {
			s.finish(g.Wait())
		}()
	})
}

// recvLoop returns only when reading fails; the error is why the connection went down.
func (s *Stream) recvLoop(fn InboundFunc) error {
	for {
		header, body, err := protocol.Decode(s.rwc)
		if err != nil {
			return err
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		var env message.Envelope
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := cdc.Decode(body, &env); err != nil {
			s.logger.Warn("dropping undecodable frame", zap.Uint8("msgType", uint8(header.MsgType)), zap.Error(err))
			continue
		}
		if !header.MsgType.Matches(env.Kind()) {
			s.logger.Warn("dropping frame with mismatched type",
				zap.Uint8("msgType", uint8(header.MsgType)),
				zap.Stringer("kind", env.Kind()))
			continue
		}
		fn(&env)
	}
}

func (s *Stream) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			header := &protocol.Header{
				CodecType: byte(s.codec.Type()),
				MsgType:   protocol.MsgTypeHeartbeat,
			}
			s.writeMu.Lock()
			err := protocol.Encode(s.rwc, header, nil)
			s.writeMu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

// finish records why the stream ended and releases everything. Only the first call counts.
func (s *Stream) finish(err error) {
	s.finishOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		s.err = err
		close(s.done)
		s.cancel()
		if cerr := s.rwc.Close(); cerr != nil && err != ErrClosed {
			s.logger.Debug("closing stream", zap.Error(cerr))
		}
	})
}

func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Stream) Close() error {
	s.finish(ErrClosed)
	return nil
}

var _ Transport = (*Stream)(nil)
