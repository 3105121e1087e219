package sink

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
)

const (
	headerKey    = "Wharf-Key"
	headerStream = "Wharf-Stream"
	headerSeq    = "Wharf-Seq"
	headerGen    = "Wharf-Gen"
)

type jetStreamMirror struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	opts   *JetStreamOptions
	logger *slog.Logger
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

func newJetStreamMirror(ctx context.Context, opts *JetStreamOptions, logger *slog.Logger) (*jetStreamMirror, error) {
	cfg := *opts
	cfg.setDefaults()
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	natsOpts := []nats.Option{nats.Name("wharf-output")}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		conn.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		conn.Close()
		return nil, err
	}
	m := &jetStreamMirror{conn: conn, js: js, opts: &cfg, logger: logger, enc: enc, dec: dec}
	if err := m.ensureStream(ctx); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *jetStreamMirror) Close() {
	if m.conn != nil {
		m.conn.Drain()
		m.conn.Close()
	}
	if m.enc != nil {
		m.enc.Close()
	}
	if m.dec != nil {
		m.dec.Close()
	}
}

func (m *jetStreamMirror) ensureStream(ctx context.Context) error {
	cfg := &nats.StreamConfig{
		Name:       m.opts.Stream,
		Subjects:   []string{m.wildcard()},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxMsgs:    -1,
		MaxBytes:   m.opts.MaxBytes,
		Discard:    nats.DiscardOld,
		Duplicates: m.opts.DupeWindow,
	}
	if _, err := m.js.StreamInfo(cfg.Name, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := m.js.AddStream(cfg, nats.Context(ctx))
			return addErr
		}
		return err
	}
	_, err := m.js.UpdateStream(cfg, nats.Context(ctx))
	return err
}

func (m *jetStreamMirror) hydrate(ctx context.Context, s *Sink) error {
	sub, err := m.js.PullSubscribe(
		m.wildcard(),
		"",
		nats.BindStream(m.opts.Stream),
		nats.DeliverAll(),
		nats.AckExplicit(),
	)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	return m.drain(ctx, sub, func(msg *nats.Msg) error {
		chunk, gen, err := m.decode(msg)
		if err != nil {
			m.logger.Error("output replay decode", "subject", msg.Subject, "err", err)
			return msg.Ack()
		}
		s.applyReplayed(chunk, gen)
		return msg.Ack()
	})
}

func (m *jetStreamMirror) drain(ctx context.Context, sub *nats.Subscription, handler func(*nats.Msg) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := sub.Fetch(64, nats.MaxWait(500*time.Millisecond))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return err
		}
		for _, msg := range msgs {
			if err := handler(msg); err != nil {
				return err
			}
		}
		if len(msgs) == 0 {
			return nil
		}
	}
}

func (m *jetStreamMirror) publish(chunk Chunk, gen int64) error {
	msg := nats.NewMsg(m.subject(chunk.Key))
	msg.Header.Set(headerKey, chunk.Key)
	msg.Header.Set(headerStream, chunk.Stream)
	msg.Header.Set(headerSeq, strconv.FormatUint(chunk.Seq, 10))
	msg.Header.Set(headerGen, strconv.FormatInt(gen, 10))
	msg.Data = m.enc.EncodeAll(chunk.Data, nil)
	msgID := fmt.Sprintf("out:%s:%d:%d", chunk.Key, gen, chunk.Seq)
	_, err := m.js.PublishMsg(msg, nats.MsgId(msgID))
	return err
}

func (m *jetStreamMirror) decode(msg *nats.Msg) (Chunk, int64, error) {
	seq, err := strconv.ParseUint(msg.Header.Get(headerSeq), 10, 64)
	if err != nil {
		return Chunk{}, 0, fmt.Errorf("seq header: %w", err)
	}
	gen, err := strconv.ParseInt(msg.Header.Get(headerGen), 10, 64)
	if err != nil {
		return Chunk{}, 0, fmt.Errorf("gen header: %w", err)
	}
	data, err := m.dec.DecodeAll(msg.Data, nil)
	if err != nil {
		return Chunk{}, 0, err
	}
	return Chunk{
		Key:    msg.Header.Get(headerKey),
		Stream: msg.Header.Get(headerStream),
		Seq:    seq,
		Data:   data,
	}, gen, nil
}

func (m *jetStreamMirror) purge(key string) error {
	return m.js.PurgeStream(m.opts.Stream, &nats.StreamPurgeRequest{Subject: m.subject(key)})
}

func (m *jetStreamMirror) purgeAll() error {
	return m.js.PurgeStream(m.opts.Stream)
}

// subject encodes the key so dots and wildcards in it cannot leak into the
// subject hierarchy.
func (m *jetStreamMirror) subject(key string) string {
	return fmt.Sprintf("%s.output.%s", m.opts.Prefix, base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func (m *jetStreamMirror) wildcard() string {
	return fmt.Sprintf("%s.output.*", m.opts.Prefix)
}
