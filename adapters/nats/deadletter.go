package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/eventvault-go/core/stream"
)

const (
	defaultDeadStream        = "EVENTVAULT_DEAD"
	defaultDeadSubjectPrefix = "eventvault.dead"
)

// Header names carried on every dead-letter message.
const (
	HeaderStream     = "Eventvault-Stream"
	HeaderGroup      = "Eventvault-Group"
	HeaderEntryID    = "Eventvault-Entry-Id"
	HeaderDeliveries = "Eventvault-Deliveries"
	HeaderReason     = "Eventvault-Reason"
)

type DeadLetterConfig struct {
	Connect       Connector    // Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	StreamName    string       // JetStream stream holding dead letters
	SubjectPrefix string       // Subjects are <prefix>.<source stream>
}

// DeadLetters publishes given-up stream entries to a JetStream stream so they
// survive the source stream's trimming and can be inspected or replayed.
type DeadLetters struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	log           *slog.Logger
	streamName    string
	subjectPrefix string
}

func NewDeadLetters(ctx context.Context, cfg DeadLetterConfig) (*DeadLetters, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultDeadStream
	}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultDeadSubjectPrefix
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("create dead-letter stream %s: %w", streamName, err)
	}

	return &DeadLetters{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		log:           log.With(slog.String("component", "nats.dead_letters"), slog.String("stream", streamName)),
		streamName:    streamName,
		subjectPrefix: prefix,
	}, nil
}

// Subject returns the subject dead letters from source are published on.
func (d *DeadLetters) Subject(source string) string {
	return d.subjectPrefix + "." + subjectToken(source)
}

func (d *DeadLetters) StreamName() string { return d.streamName }

func (d *DeadLetters) DeadLetter(ctx context.Context, dl stream.DeadLetter) error {
	data, err := json.Marshal(dl.Fields)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", dl.EntryID, err)
	}

	msg := natsgo.NewMsg(d.Subject(dl.Stream))
	msg.Data = data
	msg.Header.Set(HeaderStream, dl.Stream)
	msg.Header.Set(HeaderGroup, dl.Group)
	msg.Header.Set(HeaderEntryID, dl.EntryID)
	msg.Header.Set(HeaderDeliveries, strconv.FormatInt(dl.Deliveries, 10))
	msg.Header.Set(HeaderReason, dl.Reason)

	// the msg id dedups redeliveries of the same dead letter
	ack, err := d.js.PublishMsg(ctx, msg, jetstream.WithMsgID(dl.Stream+"/"+dl.Group+"/"+dl.EntryID))
	if err != nil {
		return fmt.Errorf("publish dead letter %s: %w", dl.EntryID, err)
	}
	d.log.Warn(
		"dead-lettered",
		slog.String("source", dl.Stream),
		slog.String("group", dl.Group),
		slog.String("entry_id", dl.EntryID),
		slog.Uint64("seq", ack.Sequence),
		slog.Bool("duplicate", ack.Duplicate),
	)
	return nil
}

// Read returns the dead letter stored at seq.
func (d *DeadLetters) Read(ctx context.Context, seq uint64) (stream.DeadLetter, error) {
	s, err := d.js.Stream(ctx, d.streamName)
	if err != nil {
		return stream.DeadLetter{}, err
	}
	raw, err := s.GetMsg(ctx, seq)
	if err != nil {
		return stream.DeadLetter{}, err
	}
	dl := stream.DeadLetter{
		Stream:  raw.Header.Get(HeaderStream),
		Group:   raw.Header.Get(HeaderGroup),
		EntryID: raw.Header.Get(HeaderEntryID),
		Reason:  raw.Header.Get(HeaderReason),
	}
	dl.Deliveries, _ = strconv.ParseInt(raw.Header.Get(HeaderDeliveries), 10, 64)
	if err := json.Unmarshal(raw.Data, &dl.Fields); err != nil {
		return dl, fmt.Errorf("decode dead letter %d: %w", seq, err)
	}
	return dl, nil
}

// Ready reports the health of the underlying connection.
func (d *DeadLetters) Ready() func(context.Context) error { return ReadyCheck(d.nc) }

func (d *DeadLetters) Close() { d.closeNc() }

func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

var _ stream.DeadLetterSink = (*DeadLetters)(nil)
