package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/monitoring"
)

// Recorder принимает событие мониторинга.
type Recorder interface {
	Record(event domain.SaveEvent) (bool, error)
}

// Server реализует quotes.v1.SaveMonitoring поверх сборщика.
type Server struct {
	recorder Recorder
	stats    monitoring.StatsSource
	logger   *log.Entry
	now      func() time.Time
}

// NewServer создаёт gRPC-сервис мониторинга. stats может быть nil.
func NewServer(recorder Recorder, stats monitoring.StatsSource, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.WithField("component", "grpc-monitoring")
	}
	return &Server{
		recorder: recorder,
		stats:    stats,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record принимает одно событие. Дубликаты подтверждаются так же, как новые события.
func (s *Server) Record(_ context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	event, err := EventFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if _, err := s.recorder.Record(event); err != nil {
		if errors.Is(err, monitoring.ErrInvalidEvent) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		s.logger.WithError(err).WithField("attempt_id", event.AttemptID).Error("failed to record save event")
		return nil, status.Error(codes.Internal, "failed to record event")
	}
	return &emptypb.Empty{}, nil
}

// Stats возвращает агрегаты окна мониторинга.
func (s *Server) Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	if s.stats == nil {
		return nil, status.Error(codes.Unavailable, "save monitoring stats are disabled")
	}
	out, err := toStruct(s.stats.Stats(s.now()))
	if err != nil {
		s.logger.WithError(err).Error("failed to encode save stats")
		return nil, status.Error(codes.Internal, "failed to encode stats")
	}
	return out, nil
}

// EventToStruct кодирует событие в google.protobuf.Struct с JSON-именами полей.
func EventToStruct(event domain.SaveEvent) (*structpb.Struct, error) {
	return toStruct(event)
}

// EventFromStruct декодирует событие из google.protobuf.Struct.
func EventFromStruct(in *structpb.Struct) (domain.SaveEvent, error) {
	if in == nil {
		return domain.SaveEvent{}, errors.New("event is required")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return domain.SaveEvent{}, fmt.Errorf("encode struct: %w", err)
	}
	var event domain.SaveEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.SaveEvent{}, fmt.Errorf("decode save event: %w", err)
	}
	return event, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ SaveMonitoringServer = (*Server)(nil)
