package grpcapi_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/monitoring"
	"github.com/vladislavdragonenkov/quotesave/internal/transport/grpcapi"
)

const bufSize = 1024 * 1024

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

func newTestServer(t *testing.T, stats monitoring.StatsSource, recorder grpcapi.Recorder) grpcapi.SaveMonitoringClient {
	t.Helper()
	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	grpcapi.RegisterSaveMonitoringServer(server, grpcapi.NewServer(recorder, stats, loggerForTests()))
	go func() {
		_ = server.Serve(listener)
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		server.Stop()
	})
	return grpcapi.NewSaveMonitoringClient(conn)
}

func TestRecordAndStats(t *testing.T) {
	collector := monitoring.NewCollector()
	client := newTestServer(t, collector, collector)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event := domain.SaveEvent{
		AttemptID: "attempt-1",
		QuoteID:   "q-1",
		Outcome:   domain.SaveOutcomeConflict,
		State:     "conflict",
		LatencyMs: 320,
		Timestamp: time.Now().UTC(),
	}
	in, err := grpcapi.EventToStruct(event)
	require.NoError(t, err)

	_, err = client.Record(ctx, in)
	require.NoError(t, err)
	// повторная доставка подтверждается без ошибки
	_, err = client.Record(ctx, in)
	require.NoError(t, err)

	out, err := client.Stats(ctx, &emptypb.Empty{})
	require.NoError(t, err)
	require.Equal(t, float64(1), out.GetFields()["total"].GetNumberValue())
	require.Equal(t, float64(1), out.GetFields()["conflictRate"].GetNumberValue())

	outcomes := out.GetFields()["outcomes"].GetStructValue().GetFields()
	require.Equal(t, float64(320), outcomes["conflict"].GetStructValue().GetFields()["maxLatencyMs"].GetNumberValue())
}

func TestRecordRejectsInvalidEvent(t *testing.T) {
	collector := monitoring.NewCollector()
	client := newTestServer(t, collector, collector)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, err := structpb.NewStruct(map[string]any{"outcome": "success"})
	require.NoError(t, err)
	_, err = client.Record(ctx, in)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	in, err = structpb.NewStruct(map[string]any{"attemptId": "a-1", "latencyMs": "slow"})
	require.NoError(t, err)
	_, err = client.Record(ctx, in)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStatsUnavailableWithoutSource(t *testing.T) {
	client := newTestServer(t, nil, monitoring.NewCollector())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Stats(ctx, &emptypb.Empty{})
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestEventStructRoundTrip(t *testing.T) {
	event := domain.SaveEvent{AttemptID: "a-1", Try: 2, QuoteID: "q-1", Outcome: domain.SaveOutcomeError, ErrorKind: "network", LatencyMs: 1500}
	in, err := grpcapi.EventToStruct(event)
	require.NoError(t, err)

	got, err := grpcapi.EventFromStruct(in)
	require.NoError(t, err)
	require.Equal(t, event.AttemptID, got.AttemptID)
	require.Equal(t, 2, got.Try)
	require.Equal(t, event.ErrorKind, got.ErrorKind)
	require.Equal(t, event.LatencyMs, got.LatencyMs)

	_, err = grpcapi.EventFromStruct(nil)
	require.Error(t, err)
}
