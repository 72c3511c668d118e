package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service accepts stream starts and live chunks as NATS requests, for
// recorders that sit on the bus rather than speak HTTP. Chunks of one
// session are still serialized by the session lock.
type Service struct {
	pipeline *Pipeline
	conn     *nats.Conn
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	mu       sync.Mutex
	ready    bool
}

func NewService(parent context.Context, p *Pipeline, conn *nats.Conn, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		pipeline: p,
		conn:     conn,
		logger:   logger.With(slog.String("component", "pipeline-bus")),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the request subjects. Without a connection it does
// nothing.
func (s *Service) Start() error {
	if s.conn == nil {
		return nil
	}
	start, err := s.conn.Subscribe(protocol.SubjectStreamStart, s.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe stream start: %w", err)
	}
	chunk, err := s.conn.Subscribe(protocol.SubjectChunkIngest, s.handleChunk)
	if err != nil {
		_ = start.Unsubscribe()
		return fmt.Errorf("subscribe chunks: %w", err)
	}
	s.mu.Lock()
	s.subs = []*nats.Subscription{start, chunk}
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.ready = false
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == nil || s.ready
}

func (s *Service) handleStart(msg *nats.Msg) {
	id, err := s.pipeline.Start(s.ctx)
	reply := protocol.StartReply{SessionID: id}
	if err != nil {
		reply.Error = err.Error()
	}
	s.respond(msg, reply)
}

func (s *Service) handleChunk(msg *nats.Msg) {
	var req protocol.ChunkRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode chunk request", slog.String("error", err.Error()))
		s.respond(msg, protocol.ChunkReply{Error: "invalid chunk request: " + err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.pipeline.IngestChunk(s.ctx, req.SessionID, req.Audio, req.Extension)
		reply := protocol.ChunkReply{
			SessionID:  req.SessionID,
			Sequence:   res.Seq,
			Transcript: res.Transcript,
			Warning:    res.Warning,
		}
		if err != nil {
			reply.Error = err.Error()
		}
		s.respond(msg, reply)
	}()
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("error", err.Error()))
	}
}
