package recognition

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// recognizeMethod is the bidirectional streaming RPC exposed by the engine.
// Both directions carry google.protobuf.Struct messages.
const recognizeMethod = "/speech.v1.Recognizer/Recognize"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errStreamEnded              = errors.New("recognition stream ended before start")
	errUnexpectedFirstEvent     = errors.New("unexpected first event from engine")
)

// eventStarted is only used during the start handshake.
const eventStarted EventKind = "started"

var recognizeDesc = &grpc.StreamDesc{
	StreamName:    "Recognize",
	ServerStreams: true,
	ClientStreams: true,
}

// GrpcEngineConfig holds configuration for the gRPC engine client.
type GrpcEngineConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcEngineConfig returns default configuration.
func DefaultGrpcEngineConfig() GrpcEngineConfig {
	return GrpcEngineConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcEngine is an Engine backed by a remote recognizer over gRPC.
type GrpcEngine struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGrpcEngine connects to the recognizer and waits until it is ready.
func NewGrpcEngine(cfg GrpcEngineConfig, logger *slog.Logger) (*GrpcEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultGrpcEngineConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = defaults.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = defaults.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to recognizer at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad endpoint during startup.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("recognizer at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to recognition engine", "address", cfg.Address)
	return &GrpcEngine{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Ready reports whether the underlying connection is usable.
func (e *GrpcEngine) Ready() bool {
	state := e.conn.GetState()
	return state == connectivity.Ready || state == connectivity.Idle
}

// Close closes the gRPC connection.
func (e *GrpcEngine) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			e.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Open starts a Recognize stream and blocks until the engine reports that
// recognition has started.
func (e *GrpcEngine) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	// The stream outlives ctx, which only bounds the start handshake.
	streamCtx, cancel := context.WithCancel(context.Background())
	cs, err := e.conn.NewStream(streamCtx, recognizeDesc, recognizeMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open recognize stream: %w", err)
	}

	s := &grpcStream{
		cs:      cs,
		cancel:  cancel,
		events:  make(chan Event, 32),
		started: make(chan error, 1),
		done:    make(chan struct{}),
		logger:  e.logger,
	}

	req, err := structpb.NewStruct(map[string]any{
		"config": map[string]any{
			"referenceText":           cfg.ReferenceText,
			"language":                cfg.Language,
			"sampleRate":              cfg.SampleRate,
			"pronunciationAssessment": true,
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build config message: %w", err)
	}
	if err := s.send(req); err != nil {
		cancel()
		return nil, fmt.Errorf("send config: %w", err)
	}

	go s.readLoop()

	select {
	case err := <-s.started:
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	}
}

type grpcStream struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
	logger *slog.Logger

	sendMu sync.Mutex

	events    chan Event
	started   chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (s *grpcStream) send(msg *structpb.Struct) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.cs.SendMsg(msg)
}

func (s *grpcStream) Write(_ context.Context, chunk []byte) error {
	msg, err := structpb.NewStruct(map[string]any{
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
	if err != nil {
		return err
	}
	return s.send(msg)
}

func (s *grpcStream) Events() <-chan Event {
	return s.events
}

func (s *grpcStream) CloseAudio() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.cs.CloseSend()
}

func (s *grpcStream) Stop(ctx context.Context) error {
	msg, err := structpb.NewStruct(map[string]any{"stop": true})
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// Audio input may already be closed; the engine also stops on half-close.
	if err := s.send(msg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *grpcStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

// readLoop converts engine responses into events. The first response must
// confirm that recognition started.
func (s *grpcStream) readLoop() {
	defer close(s.events)
	defer s.cancel()

	first := true
	for {
		resp := &structpb.Struct{}
		err := s.cs.RecvMsg(resp)
		if err != nil {
			if first {
				if errors.Is(err, io.EOF) {
					err = errStreamEnded
				}
				s.started <- err
				return
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.logger.Debug("Recognition stream receive error", "error", err)
			}
			return
		}

		ev, ok := decodeEvent(resp)
		if first {
			first = false
			if !ok || ev.Kind != eventStarted {
				if ok && ev.Kind == EventCanceled && ev.Err != nil {
					s.started <- ev.Err
				} else {
					s.started <- fmt.Errorf("%w: %v", errUnexpectedFirstEvent, resp.GetFields()["event"].GetStringValue())
				}
				return
			}
			s.started <- nil
			continue
		}
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
		if ev.Kind == EventStopped || ev.Kind == EventCanceled {
			return
		}
	}
}

// decodeEvent maps an engine response onto an Event.
func decodeEvent(resp *structpb.Struct) (Event, bool) {
	fields := resp.GetFields()
	kind := fields["event"].GetStringValue()
	switch kind {
	case string(eventStarted):
		return Event{Kind: eventStarted}, true
	case string(EventPartial):
		return Event{Kind: EventPartial, Text: fields["text"].GetStringValue()}, true
	case string(EventFinal):
		ev := Event{Kind: EventFinal, Text: fields["text"].GetStringValue()}
		if result := fields["result"].GetStructValue(); result != nil {
			if data, err := result.MarshalJSON(); err == nil {
				ev.Result = data
			}
		}
		return ev, true
	case string(EventNoMatch):
		return Event{Kind: EventNoMatch}, true
	case string(EventCanceled):
		reason := fields["error"].GetStringValue()
		if reason == "" {
			reason = "canceled by engine"
		}
		return Event{Kind: EventCanceled, Err: errors.New(reason)}, true
	case string(EventStopped):
		return Event{Kind: EventStopped}, true
	default:
		return Event{}, false
	}
}
